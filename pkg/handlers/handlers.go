// Package handlers exposes read-only live views over the local mirror
// and the scheduling handle, for consumption by a UI layer.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chris/offline-ledger/pkg/interaction"
	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/scheduler"
	"github.com/chris/offline-ledger/pkg/storage"
)

// Handler holds the data-layer dependencies of the UI surface.
type Handler struct {
	Store        storage.Storage
	Scheduler    *scheduler.Scheduler
	Interactions *interaction.Controller
}

// New creates a Handler.
func New(store storage.Storage, sched *scheduler.Scheduler, interactions *interaction.Controller) *Handler {
	return &Handler{Store: store, Scheduler: sched, Interactions: interactions}
}

// Routes mounts the surface on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Get("/debtor", h.GetDebtor)
		r.Get("/config", h.GetConfig)
		r.Get("/document", h.GetDocument)
		r.Get("/transfers", h.ListTransfers)
		r.Get("/transfer", h.GetTransfer)
		r.Get("/actions", h.ListActions)
		r.Get("/actions/{actionID}", h.GetAction)
		r.Post("/actions/{actionID}/abort", h.AbortTransfer)
		r.Post("/actions/{actionID}/abort-and-retry", h.AbortAndRetryTransfer)
		r.Post("/refresh", h.ScheduleRefresh)
	})
	return r
}

// actionPolicy classifies failures of interactive action resolution. A
// CAS failure means another path already resolved the action; the user
// re-reads the queue instead of seeing a raw error.
var actionPolicy = interaction.Policy{
	{Err: storage.ErrRecordDoesNotExist, Alert: &interaction.Alert{
		Message: "The action has already been resolved.",
	}},
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid user id: %v", err), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write response: %v", err), http.StatusInternalServerError)
	}
}

func respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrRecordDoesNotExist) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Sprintf("Storage failure: %v", err), http.StatusInternalServerError)
}

// GetDebtor serves the user's debtor profile.
func (h *Handler) GetDebtor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	debtor, err := h.Store.GetDebtor(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, debtor)
}

// GetConfig serves the user's stored config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	config, err := h.Store.GetConfig(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, config)
}

// GetDocument serves the config's referenced document verbatim.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	doc, err := h.Store.GetDocument(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Write(doc.Content)
}

func listOptions(r *http.Request) storage.ListOptions {
	var opts storage.ListOptions
	q := r.URL.Query()
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if before, err := strconv.ParseInt(q.Get("before"), 10, 64); err == nil {
		opts.Before = before
	}
	opts.Reverse = q.Get("reverse") == "true"
	return opts
}

// ListTransfers serves the user's transfers ordered by local list time.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	transfers, err := h.Store.ListTransfers(r.Context(), userID, listOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, transfers)
}

// GetTransfer serves one transfer, identified by the uri query
// parameter (transfer URIs contain slashes).
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "Missing uri parameter", http.StatusBadRequest)
		return
	}
	transfer, err := h.Store.GetTransfer(r.Context(), userID, uri)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, transfer)
}

// ListActions serves the user's pending actions in queue order.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	actions, err := h.Store.ListActions(r.Context(), userID, listOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, actions)
}

// GetAction serves one pending action.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	actionID, ok := h.actionID(w, r)
	if !ok {
		return
	}
	action, err := h.Store.GetAction(r.Context(), userID, actionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, action)
}

func (h *Handler) actionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "actionID"), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid action id: %v", err), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// respondInteraction maps the outcome of an interaction-wrapped
// operation: classified failures and superseded results become 409, the
// committed result is served by ok.
func respondInteraction(w http.ResponseWriter, alert *interaction.Alert, err error, committed bool, ok func()) {
	switch {
	case err != nil:
		respondErr(w, err)
	case alert != nil:
		http.Error(w, alert.Message, http.StatusConflict)
	case !committed:
		http.Error(w, "Superseded by a newer request", http.StatusConflict)
	default:
		ok()
	}
}

// AbortTransfer resolves a pending AbortTransfer action. The operation
// runs under a fresh interaction epoch, so a newer request supersedes it
// and this response is discarded.
func (h *Handler) AbortTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	actionID, ok := h.actionID(w, r)
	if !ok {
		return
	}

	var (
		aborted   *models.TransferRecord
		committed bool
	)
	alert, err := h.Interactions.Run(r.Context(), actionPolicy, func(ctx context.Context) error {
		var err error
		aborted, err = h.Store.ResolveAbortTransfer(ctx, userID, actionID)
		return err
	}, func() { committed = true })
	respondInteraction(w, alert, err, committed, func() { respond(w, aborted) })
}

// AbortAndRetryTransfer resolves a pending AbortTransfer action and
// queues a retry of the aborted transfer under a fresh UUID.
func (h *Handler) AbortAndRetryTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	actionID, ok := h.actionID(w, r)
	if !ok {
		return
	}

	var (
		retry     *models.ActionRecord
		committed bool
	)
	alert, err := h.Interactions.Run(r.Context(), actionPolicy, func(ctx context.Context) error {
		var err error
		retry, err = h.Store.AbortAndRetryTransfer(ctx, userID, actionID)
		return err
	}, func() { committed = true })
	respondInteraction(w, alert, err, committed, func() { respond(w, retry) })
}

// ScheduleRefresh requests "refresh soon": the response is sent
// immediately, the refresh happens on the scheduler's cadence.
func (h *Handler) ScheduleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	var body struct {
		DelaySeconds int64 `json:"delay_seconds"`
	}
	if r.Body != nil {
		// An empty body means "as soon as possible".
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	h.Scheduler.Schedule(time.Duration(body.DelaySeconds)*time.Second, nil)
	w.WriteHeader(http.StatusAccepted)
}
