// Package transcode schedules per-rendition ffmpeg encodes for live
// sessions, tracks their lifecycle, and assembles the adaptive master
// playlist from the completed set.
package transcode

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"novacast-live/internal/models"
)

// DefaultLadder is used when no ladder file is configured.
func DefaultLadder() []models.RenditionProfile {
	return []models.RenditionProfile{
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192, FrameRate: 30},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128, FrameRate: 30, IsDefault: true},
		{Name: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1400, AudioBitrateKbps: 128, FrameRate: 30, IsDefault: true},
		{Name: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96, FrameRate: 30},
	}
}

type ladderFile struct {
	Profiles []models.RenditionProfile `yaml:"profiles"`
}

// LoadLadder reads a rendition ladder from a YAML file.
func LoadLadder(path string) ([]models.RenditionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	var file ladderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode ladder file: %w", err)
	}
	if err := validateLadder(file.Profiles); err != nil {
		return nil, err
	}
	return file.Profiles, nil
}

func validateLadder(profiles []models.RenditionProfile) error {
	seen := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			return fmt.Errorf("ladder profile with empty name")
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("duplicate ladder profile %q", name)
		}
		seen[name] = struct{}{}
		if profile.Width <= 0 || profile.Height <= 0 {
			return fmt.Errorf("ladder profile %q needs a positive resolution", name)
		}
		if profile.VideoBitrateKbps <= 0 {
			return fmt.Errorf("ladder profile %q needs a positive video bitrate", name)
		}
	}
	return nil
}

// SelectProfiles filters the ladder for a run. With defaultOnly set, only
// entries marked default are returned; when none carry the mark the whole
// ladder is used.
func SelectProfiles(profiles []models.RenditionProfile, defaultOnly bool) []models.RenditionProfile {
	if !defaultOnly {
		return append([]models.RenditionProfile(nil), profiles...)
	}
	selected := make([]models.RenditionProfile, 0, len(profiles))
	for _, profile := range profiles {
		if profile.IsDefault {
			selected = append(selected, profile)
		}
	}
	if len(selected) == 0 {
		return append([]models.RenditionProfile(nil), profiles...)
	}
	return selected
}
