package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// hookAuthorized checks the shared token presented by the media server on
// publish hooks. An empty configured token disables the hooks entirely.
func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" || r == nil {
		return false
	}
	if constantTimeEqual(token, bearerToken(r)) {
		return true
	}
	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		return constantTimeEqual(token, queryToken)
	}
	return false
}

// operatorAuthorized checks the operator token guarding the control plane.
func (h *Handler) operatorAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.OperatorToken)
	if token == "" || r == nil {
		return false
	}
	return constantTimeEqual(token, bearerToken(r))
}
