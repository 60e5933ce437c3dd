// Package httpx provides the JSON control API of the opt-out agent.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/service"
)

const defaultWaitTimeout = 10 * time.Minute

// AgentService is the job control surface consumed by the handlers.
type AgentService interface {
	Start(kind service.RequestKind, showSurface bool) (*service.Ticket, error)
	SaveProfile(ctx context.Context, queries []model.ProfileQuery, showSurface bool) ([]model.ProfileQuery, *service.Ticket, error)
	ConfirmRemoval(ctx context.Context, target model.Target, extractedProfileID int64) error
	Status() service.QueueStatus
	WaitIdle(ctx context.Context) (service.ErrorCollection, error)
	Mismatches(ctx context.Context, recompute bool) (service.MismatchReport, error)
}

// AgentHandlers provides HTTP handlers for job control.
type AgentHandlers struct {
	Svc    AgentService
	Logger *slog.Logger
}

type startRequest struct {
	ShowSurface bool `json:"showSurface"`
}

type startResponse struct {
	Kind   service.RequestKind  `json:"kind"`
	Status *service.QueueStatus `json:"status,omitempty"`
	Result *batchResultView     `json:"result,omitempty"`
}

// Start returns a handler that runs a batch of the given kind. With ?wait=true the
// response is delayed until the batch completes and carries its error collection.
func (h *AgentHandlers) Start(kind service.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if !DecodeJSON(w, r, &req) {
			return
		}
		ticket, err := h.Svc.Start(kind, req.ShowSurface)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.respondTicket(w, r, kind, ticket)
	}
}

func (h *AgentHandlers) respondTicket(w http.ResponseWriter, r *http.Request, kind service.RequestKind, ticket *service.Ticket) {
	if !parseBoolQuery(r, "wait") {
		st := h.Svc.Status()
		WriteJSON(w, http.StatusAccepted, startResponse{Kind: kind, Status: &st})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout(r, defaultWaitTimeout))
	defer cancel()
	res, err := ticket.Wait(ctx)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusGatewayTimeout, ErrCode: "wait_timeout", Err: err})
		return
	}
	view := newBatchResultView(res)
	WriteJSON(w, http.StatusOK, startResponse{Kind: kind, Result: &view})
}

type saveProfileRequest struct {
	Queries     []model.ProfileQuery `json:"queries"`
	ShowSurface bool                 `json:"showSurface"`
}

type saveProfileResponse struct {
	Queries     []model.ProfileQuery `json:"queries"`
	ScanStarted bool                 `json:"scanStarted"`
	Result      *batchResultView     `json:"result,omitempty"`
}

// SaveProfile stores profile queries and starts immediate scans for them. The
// queries are kept even when the scans cannot start right away.
func (h *AgentHandlers) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req saveProfileRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	saved, ticket, err := h.Svc.SaveProfile(r.Context(), req.Queries, req.ShowSurface)
	if err != nil && !isQueueRefusal(err) {
		writeServiceError(w, err)
		return
	}
	resp := saveProfileResponse{Queries: saved, ScanStarted: err == nil}
	if err != nil {
		h.logger().InfoContext(r.Context(), "profile saved without immediate scan", "error", err)
		WriteJSON(w, http.StatusAccepted, resp)
		return
	}
	if !parseBoolQuery(r, "wait") {
		WriteJSON(w, http.StatusAccepted, resp)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout(r, defaultWaitTimeout))
	defer cancel()
	res, err := ticket.Wait(ctx)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusGatewayTimeout, ErrCode: "wait_timeout", Err: err})
		return
	}
	view := newBatchResultView(res)
	resp.Result = &view
	WriteJSON(w, http.StatusOK, resp)
}

type confirmRemovalRequest struct {
	BrokerID           int64 `json:"brokerId"`
	ProfileQueryID     int64 `json:"profileQueryId"`
	ExtractedProfileID int64 `json:"extractedProfileId"`
}

// ConfirmRemoval marks a listing as removed.
func (h *AgentHandlers) ConfirmRemoval(w http.ResponseWriter, r *http.Request) {
	var req confirmRemovalRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BrokerID <= 0 || req.ProfileQueryID <= 0 || req.ExtractedProfileID <= 0 {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_request",
			Err:     errors.New("brokerId, profileQueryId and extractedProfileId must be positive"),
		})
		return
	}
	target := model.Target{BrokerID: req.BrokerID, ProfileQueryID: req.ProfileQueryID}
	if err := h.Svc.ConfirmRemoval(r.Context(), target, req.ExtractedProfileID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports the queue state.
func (h *AgentHandlers) Status(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.Svc.Status())
}

// Mismatches returns the latest reconciliation report; ?recompute=true forces a new pass.
func (h *AgentHandlers) Mismatches(w http.ResponseWriter, r *http.Request) {
	report, err := h.Svc.Mismatches(r.Context(), parseBoolQuery(r, "recompute"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if report.Items == nil {
		report.Items = []service.Mismatch{}
	}
	WriteJSON(w, http.StatusOK, report)
}

func (h *AgentHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// isQueueRefusal reports whether the queue declined the request rather than failed it.
func isQueueRefusal(err error) bool {
	return errors.Is(err, errs.ErrCannotInterrupt) || errors.Is(err, service.ErrQueueClosed)
}
