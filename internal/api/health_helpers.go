package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	ActiveJobs int               `json:"activeJobs"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports datastore reachability and the number of running encodes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, statusCode := h.componentHealth(r.Context())
	response := healthResponse{Status: overall, Components: components}
	if h.Scheduler != nil {
		response.ActiveJobs = h.Scheduler.ActiveJobs()
	}
	writeJSON(w, statusCode, response)
}
