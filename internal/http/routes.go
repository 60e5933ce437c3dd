package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-dbp/internal/service"
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Agent AgentService
	// APIToken guards /api/v1 routes when set.
	APIToken string
	Logger   *slog.Logger // Optional
}

// NewRouter creates the job control router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	h := &AgentHandlers{Svc: services.Agent, Logger: services.Logger}
	registerAgentRoutes(mux, h, RequireToken(services.APIToken))

	health := healthHandler(services.Agent)
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)

	return mux
}

func registerAgentRoutes(mux *http.ServeMux, h *AgentHandlers, guard func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"POST /api/v1/scans/immediate":  h.Start(service.RequestImmediateScans),
		"POST /api/v1/runs/scheduled":   h.Start(service.RequestScheduledAll),
		"POST /api/v1/scans/scheduled":  h.Start(service.RequestScheduledScans),
		"POST /api/v1/optouts":          h.Start(service.RequestAllOptOuts),
		"POST /api/v1/profile":          h.SaveProfile,
		"POST /api/v1/removals/confirm": h.ConfirmRemoval,
		"GET /api/v1/status":            h.Status,
		"GET /api/v1/mismatches":        h.Mismatches,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, guard(handler))
	}
}
