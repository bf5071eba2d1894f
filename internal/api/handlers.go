package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/services"
	"mailpush/internal/utils"

	"github.com/gorilla/mux"
)

// APIHandler serves the push control endpoints.
type APIHandler struct {
	Push       *services.PushService
	Activities *repository.ActivityLogRepository
	Events     *services.EventHub
	Lifecycle  *services.Lifecycle
	logger     *utils.Logger
}

// NewAPIHandler wires the handler. Events and Lifecycle may be nil.
func NewAPIHandler(push *services.PushService, activities *repository.ActivityLogRepository, events *services.EventHub, lifecycle *services.Lifecycle) *APIHandler {
	return &APIHandler{
		Push:       push,
		Activities: activities,
		Events:     events,
		Lifecycle:  lifecycle,
		logger:     utils.NewLogger("API"),
	}
}

// RespondWithError 返回错误响应
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// RespondWithJSON 返回JSON响应
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to encode response","code":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondServiceError maps service errors onto status codes.
func (h *APIHandler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pingsync.ErrSyncAborted):
		RespondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Request failed: %v", err)
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func accountIDFromPath(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid account ID")
	}
	return uint(id), nil
}

// HealthCheck 健康检查
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /api/health [get]
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Accounts: len(h.Push.Synchronizer().Snapshot()),
	}
	if h.Lifecycle != nil {
		running, since := h.Lifecycle.Running()
		resp.PushRunning = running
		if !since.IsZero() {
			resp.Since = &since
		}
	}
	if h.Events != nil {
		resp.Subscribers = h.Events.Count()
	}
	if k := h.Push.Kicker(); k != nil {
		resp.KickAccounts = len(k.Accounts())
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// GetPushAccountsHandler lists every account the scheduler is tracking.
// @Summary Scheduler state per account
// @Tags push
// @Produce json
// @Success 200 {array} PushAccountStatus
// @Router /api/push/accounts [get]
func (h *APIHandler) GetPushAccountsHandler(w http.ResponseWriter, r *http.Request) {
	kicked := make(map[pingsync.AccountID]bool)
	if k := h.Push.Kicker(); k != nil {
		for _, id := range k.Accounts() {
			kicked[id] = true
		}
	}

	snaps := h.Push.Synchronizer().Snapshot()
	resp := make([]PushAccountStatus, 0, len(snaps))
	for _, snap := range snaps {
		row := PushAccountStatus{AccountSnapshot: snap, Kicked: kicked[snap.Account]}
		if due, ok := h.Push.RetryDue(uint(snap.Account)); ok {
			row.RetryAt = &due
		}
		resp = append(resp, row)
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// SyncAccountHandler runs one sync bracketed by the scheduler. The request
// blocks while the account's ping is being stopped.
// @Summary Sync an account
// @Tags push
// @Accept json
// @Produce json
// @Param id path int true "Account ID"
// @Param request body SyncRequest false "Sync options"
// @Success 200 {object} services.SyncReport
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/accounts/{id}/sync [post]
func (h *APIHandler) SyncAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDFromPath(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	report, err := h.Push.Sync(r.Context(), id, services.SyncOptions{PushOnly: req.PushOnly})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, report)
}

// PushModifyHandler re-reads the account's push settings.
// @Summary Start or refresh push for an account
// @Tags push
// @Produce json
// @Param id path int true "Account ID"
// @Success 200 {object} services.PushDecision
// @Failure 404 {object} ErrorResponse
// @Router /api/accounts/{id}/push [post]
func (h *APIHandler) PushModifyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDFromPath(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.Push.PushModify(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, d)
}

// PushStopHandler stops push for an account.
// @Summary Stop push for an account
// @Tags push
// @Param id path int true "Account ID"
// @Success 204
// @Router /api/accounts/{id}/push [delete]
func (h *APIHandler) PushStopHandler(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDFromPath(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Push.PushStop(id)
	w.WriteHeader(http.StatusNoContent)
}
