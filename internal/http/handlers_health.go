package httpx

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/target/mmk-dbp/internal/service"
)

const (
	healthResponse         = `{"status":"ok"}`
	defaultHealthWaitLimit = 30 * time.Minute
)

// IdleWaiter blocks until no batch is running.
type IdleWaiter interface {
	WaitIdle(ctx context.Context) (service.ErrorCollection, error)
}

type healthWaitResponse struct {
	Status    string          `json:"status"`
	LastBatch batchResultView `json:"lastBatch"`
}

// healthHandler returns 200 OK for readiness/liveness checks. With ?wait=true it
// first waits for the running batch and reports its error collection.
func healthHandler(waiter IdleWaiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if waiter != nil && r.Method == http.MethodGet && parseBoolQuery(r, "wait") {
			ctx, cancel := context.WithTimeout(r.Context(), waitTimeout(r, defaultHealthWaitLimit))
			defer cancel()
			res, err := waiter.WaitIdle(ctx)
			if err != nil {
				WriteError(w, ErrorParams{Code: http.StatusGatewayTimeout, ErrCode: "wait_timeout", Err: err})
				return
			}
			WriteJSON(w, http.StatusOK, healthWaitResponse{Status: "ok", LastBatch: newBatchResultView(res)})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.WriteString(w, healthResponse); err != nil {
			// Nothing more to do if the client connection is gone.
			return
		}
	}
}
