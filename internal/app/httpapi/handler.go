// Package httpapi exposes the dead man's switch operations over REST. The
// caller identity arrives in the X-Caller-ID header, set by the
// authenticating proxy in front of the daemon.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	svc "github.com/edwardtay/deadman-switch/internal/app/services/deadman"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

const callerHeader = "X-Caller-ID"

// Handler serves the REST API over the switch service.
type Handler struct {
	service *svc.Service
	log     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(service *svc.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{service: service, log: log}
}

type registerRequest struct {
	TimeoutIntervalSeconds uint64 `json:"timeout_interval_seconds"`
	Beneficiary            string `json:"beneficiary"`
}

type withdrawRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
}

type settingsRequest struct {
	TimeoutIntervalSeconds *uint64 `json:"timeout_interval_seconds,omitempty"`
	Beneficiary            *string `json:"beneficiary,omitempty"`
}

type gracePeriodRequest struct {
	GraceIntervalSeconds uint64 `json:"grace_interval_seconds"`
}

type trustedPartyRequest struct {
	Party string `json:"party"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type heartbeatResponse struct {
	NextHeartbeatDue time.Time `json:"next_heartbeat_due"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.service.Register(r.Context(), caller(r), req.TimeoutIntervalSeconds, req.Beneficiary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	next, err := h.service.Heartbeat(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, heartbeatResponse{NextHeartbeatDue: next})
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.Deposit(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.ReconcileBalance(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.service.Withdraw(r.Context(), caller(r), req.Amount, req.Destination)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.service.UpdateSettings(r.Context(), caller(r), req.TimeoutIntervalSeconds, req.Beneficiary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) setBeneficiaries(w http.ResponseWriter, r *http.Request) {
	var req []deadman.Beneficiary
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetBeneficiaries(r.Context(), caller(r), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "beneficiaries updated"})
}

func (h *Handler) updateGracePeriod(w http.ResponseWriter, r *http.Request) {
	var req gracePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.UpdateGracePeriod(r.Context(), caller(r), req.GraceIntervalSeconds); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "grace period updated"})
}

func (h *Handler) addTrustedParty(w http.ResponseWriter, r *http.Request) {
	var req trustedPartyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AddTrustedParty(r.Context(), caller(r), req.Party); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, messageResponse{Message: "trusted party added"})
}

func (h *Handler) removeTrustedParty(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")
	if err := h.service.RemoveTrustedParty(r.Context(), caller(r), party); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "trusted party removed"})
}

func (h *Handler) cancelTimeout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelPendingTimeout(r.Context(), caller(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "pending timeout cancelled"})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.service.GetAccount(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetTimeoutStatus(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.GetHistory(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []deadman.LogEntry{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Error("writing response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsConflict(err):
		status = http.StatusConflict
	case errs.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case errs.IsRejected(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
