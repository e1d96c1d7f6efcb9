package server

import "net/http"

// SecurityConfig controls the hardening headers sent with every response.
// Zero-valued fields fall back to restrictive defaults suitable for an API
// that serves no markup of its own.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = "DENY"
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = "no-referrer"
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = "nosniff"
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		w.Header().Set("X-Frame-Options", effective.FrameOptions)
		w.Header().Set("X-Content-Type-Options", effective.ContentTypeOptions)
		w.Header().Set("Referrer-Policy", effective.ReferrerPolicy)
		next.ServeHTTP(w, r)
	})
}
