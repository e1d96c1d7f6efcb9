package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"novacast-live/internal/models"
)

const (
	masterPlaylistName    = "master.m3u8"
	renditionPlaylistName = "index.m3u8"
)

// variantEntry pairs a completed job with the profile that produced it.
type variantEntry struct {
	profile models.RenditionProfile
	uri     string
}

// buildMasterPlaylist renders an adaptive playlist referencing one variant per
// completed rendition. Variants are ordered by declared bandwidth descending
// so players that pick the first entry start at the highest quality.
func buildMasterPlaylist(entries []variantEntry) string {
	sorted := make([]variantEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].profile.Bandwidth() > sorted[j].profile.Bandwidth()
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, entry := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			entry.profile.Bandwidth(), entry.profile.Width, entry.profile.Height)
		b.WriteString(entry.uri)
		b.WriteByte('\n')
	}
	return b.String()
}

// writeMasterPlaylist writes the playlist atomically so a player fetching the
// file mid-regeneration never sees a partial write.
func writeMasterPlaylist(dir, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create playlist directory: %w", err)
	}
	target := filepath.Join(dir, masterPlaylistName)
	tmp, err := os.CreateTemp(dir, masterPlaylistName+".*")
	if err != nil {
		return "", fmt.Errorf("create temp playlist: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp playlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync temp playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp playlist: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("replace playlist: %w", err)
	}
	return target, nil
}
