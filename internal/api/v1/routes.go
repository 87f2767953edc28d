// Package v1 provides the sync orchestration API endpoints.
package v1

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/api/common"
	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/history"
	"github.com/basehaven/dbsync/internal/preflight"
	"github.com/basehaven/dbsync/internal/progress"
	"github.com/basehaven/dbsync/internal/safety"
	dbsync "github.com/basehaven/dbsync/internal/sync"
)

// defaultHistoryLimit pages history listings when the client does not
const defaultHistoryLimit = 20

// maxHistoryLimit caps client-requested page sizes
const maxHistoryLimit = 200

// upgrader accepts websocket subscriptions. The dashboard is served from
// the same origin; cross-origin subscribers are rejected by default.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Executor is the sync engine surface the API consumes
type Executor interface {
	Start(direction gateway.Direction, triggeredBy string) (*dbsync.Operation, error)
	Cancel(id string) error
	Running() *dbsync.Operation
	GetOperation(id string) (*dbsync.Operation, error)
	Verification(id string) (dbsync.VerificationResult, bool)
}

// Routes handles HTTP requests for the sync orchestration endpoints
type Routes struct {
	gate     *safety.Gate
	executor Executor
	checker  *preflight.Checker
	hub      *progress.Hub
	store    *history.Store
	logger   *zap.Logger
}

// NewRoutes creates a new Routes instance
func NewRoutes(gate *safety.Gate, executor Executor, checker *preflight.Checker, hub *progress.Hub, store *history.Store, log *zap.Logger) *Routes {
	return &Routes{
		gate:     gate,
		executor: executor,
		checker:  checker,
		hub:      hub,
		store:    store,
		logger:   log.Named("api"),
	}
}

// Router creates and configures the HTTP router for the sync endpoints
func Router(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Post("/preflight", routes.runPreflight)

	r.Post("/confirmations", routes.beginConfirmation)
	r.Route("/confirmations/{token}", func(r chi.Router) {
		r.Post("/acknowledge", routes.acknowledge)
		r.Post("/confirm", routes.confirm)
		r.Delete("/", routes.dismiss)
	})

	r.Get("/current", routes.getCurrent)
	r.Get("/subscribe", routes.subscribe)
	r.Route("/operations/{id}", func(r chi.Router) {
		r.Get("/", routes.getOperation)
		r.Post("/cancel", routes.cancelOperation)
		r.Get("/verification", routes.getVerification)
	})

	r.Get("/history", routes.listHistory)
	r.Get("/history/export.csv", routes.exportHistory)
	r.Get("/history/{id}", routes.getHistoryEntry)

	return r
}

// directionRequest is the body of endpoints that act on one direction
type directionRequest struct {
	Direction string `json:"direction"`
	// RequestedBy identifies the operator for the audit trail
	RequestedBy string `json:"requested_by"`
}

// confirmRequest carries the typed confirmation phrase
type confirmRequest struct {
	Phrase string `json:"phrase"`
}

// operationResponse pairs an operation snapshot with its verification
// outcome once one exists
type operationResponse struct {
	dbsync.Snapshot
	Verification dbsync.VerificationResult `json:"verification,omitempty"`
}

// runPreflight executes the preflight suite without issuing a challenge
func (routes *Routes) runPreflight(w http.ResponseWriter, r *http.Request) {
	direction, _, ok := parseDirectionBody(w, r)
	if !ok {
		return
	}

	result, err := routes.checker.Run(r.Context(), direction)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	common.WriteJSONResponse(w, result, http.StatusOK)
}

// beginConfirmation runs preflight and issues a confirmation challenge.
// A failed preflight answers 412 with the blocking checks.
func (routes *Routes) beginConfirmation(w http.ResponseWriter, r *http.Request) {
	direction, requestedBy, ok := parseDirectionBody(w, r)
	if !ok {
		return
	}

	// No point walking the two-step protocol while the slot is taken.
	if routes.executor.Running() != nil {
		common.WriteErrorResponse(w, dbsync.ErrOperationInProgress.Error(), http.StatusConflict)
		return
	}

	challenge, err := routes.gate.BeginConfirmation(r.Context(), direction, requestedBy)
	if err != nil {
		if errors.Is(err, safety.ErrPreflightFailed) {
			common.WriteJSONResponse(w, map[string]any{
				"error":     err.Error(),
				"preflight": challenge.Preflight,
			}, http.StatusPreconditionFailed)
			return
		}
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	common.WriteJSONResponse(w, challenge, http.StatusCreated)
}

// acknowledge records the first confirmation step
func (routes *Routes) acknowledge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := routes.gate.Acknowledge(token); err != nil {
		writeGateError(w, err)
		return
	}
	common.WriteJSONResponse(w, map[string]string{"status": "acknowledged"}, http.StatusOK)
}

// confirm validates the typed phrase and launches the operation
func (routes *Routes) confirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req confirmRequest
	if err := decodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Refuse before consuming the challenge so the operator can retry
	// once the slot frees up.
	if routes.executor.Running() != nil {
		common.WriteErrorResponse(w, dbsync.ErrOperationInProgress.Error(), http.StatusConflict)
		return
	}

	challenge, err := routes.gate.Confirm(token, req.Phrase)
	if err != nil {
		writeGateError(w, err)
		return
	}

	op, err := routes.executor.Start(challenge.Direction, challenge.RequestedBy)
	if err != nil {
		if errors.Is(err, dbsync.ErrOperationInProgress) {
			common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
			return
		}
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	routes.logger.Info("Sync operation launched",
		zap.String("operation_id", op.ID()),
		zap.String("direction", string(op.Direction())))
	common.WriteJSONResponse(w, op.Snapshot(), http.StatusAccepted)
}

// dismiss invalidates a pending challenge
func (routes *Routes) dismiss(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := routes.gate.Dismiss(token); err != nil {
		writeGateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getCurrent returns the most recent progress snapshot with a version
// marker; a matching If-None-Match answers 304 with a Retry-After hint.
func (routes *Routes) getCurrent(w http.ResponseWriter, r *http.Request) {
	snap, version, ok := routes.hub.Current()
	if !ok {
		common.WriteErrorResponse(w, "no sync operation has run yet", http.StatusNotFound)
		return
	}
	writeConditional(w, r, snap, version)
}

// getOperation returns one operation's snapshot, served from the hub's
// retained state when possible so polling stays conditional.
func (routes *Routes) getOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if snap, version, ok := routes.hub.Latest(id); ok {
		resp := routes.withVerification(snap)
		if resp.Verification != nil {
			// The payload changes once verification lands, so the version
			// marker must change with it or a conditional poll misses it.
			version += "-v"
		}
		writeConditional(w, r, resp, version)
		return
	}

	op, err := routes.executor.GetOperation(id)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, routes.withVerification(op.Snapshot()), http.StatusOK)
}

func (routes *Routes) withVerification(snap dbsync.Snapshot) operationResponse {
	resp := operationResponse{Snapshot: snap}
	if verification, ok := routes.executor.Verification(snap.ID); ok {
		resp.Verification = verification
	}
	return resp
}

// cancelOperation requests cancellation at the executor's next checkpoint
func (routes *Routes) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := routes.executor.Cancel(id); err != nil {
		if errors.Is(err, dbsync.ErrOperationNotFound) {
			common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	common.WriteJSONResponse(w, map[string]string{"status": "cancellation requested"}, http.StatusAccepted)
}

// getVerification returns the post-import verification outcome
func (routes *Routes) getVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	verification, ok := routes.executor.Verification(id)
	if !ok {
		common.WriteErrorResponse(w, "no verification result for operation "+id, http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, verification, http.StatusOK)
}

// subscribe upgrades to a websocket and streams progress snapshots until
// the client disconnects
func (routes *Routes) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		routes.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := routes.hub.Subscribe()
	defer sub.Close()

	// Reads are discarded; their only purpose is detecting disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// listHistory returns recorded operations with filtering and paging
func (routes *Routes) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseHistoryFilter(w, r)
	if !ok {
		return
	}

	entries, total, err := routes.store.List(r.Context(), filter)
	if err != nil {
		routes.logger.Error("History query failed", zap.Error(err))
		common.WriteErrorResponse(w, "Failed to query sync history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}
	common.WriteJSONResponse(w, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	}, http.StatusOK)
}

// getHistoryEntry returns one recorded operation
func (routes *Routes) getHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := routes.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			common.WriteErrorResponse(w, "no history entry for operation "+id, http.StatusNotFound)
			return
		}
		routes.logger.Error("History lookup failed", zap.Error(err))
		common.WriteErrorResponse(w, "Failed to query sync history", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, entry, http.StatusOK)
}

// exportHistory streams the filtered history as CSV
func (routes *Routes) exportHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseHistoryFilter(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=sync-history-%s.csv", time.Now().UTC().Format("20060102")))
	if err := routes.store.ExportCSV(r.Context(), filter, w); err != nil {
		// Headers are gone; all that is left is logging
		routes.logger.Error("History export failed", zap.Error(err))
	}
}

func parseHistoryFilter(w http.ResponseWriter, r *http.Request) (history.Filter, bool) {
	limit, err := common.QueryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		common.WriteErrorResponse(w, "Invalid limit parameter: must be an integer", http.StatusBadRequest)
		return history.Filter{}, false
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, err := common.QueryInt(r, "offset", 0)
	if err != nil {
		common.WriteErrorResponse(w, "Invalid offset parameter: must be an integer", http.StatusBadRequest)
		return history.Filter{}, false
	}
	since, err := common.QueryTime(r, "since")
	if err != nil {
		common.WriteErrorResponse(w, "Invalid since parameter: must be RFC3339 format", http.StatusBadRequest)
		return history.Filter{}, false
	}

	query := r.URL.Query()
	return history.Filter{
		Status:    query.Get("status"),
		Direction: query.Get("direction"),
		Search:    query.Get("search"),
		Since:     since,
		SortBy:    query.Get("sort"),
		Ascending: query.Get("order") == "asc",
		Limit:     limit,
		Offset:    offset,
	}, true
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func parseDirectionBody(w http.ResponseWriter, r *http.Request) (gateway.Direction, string, bool) {
	var req directionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	direction, err := gateway.ParseDirection(req.Direction)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "anonymous"
	}
	return direction, requestedBy, true
}

// writeGateError maps safety gate sentinels onto HTTP statuses
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, safety.ErrTokenNotFound):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, safety.ErrTokenExpired):
		common.WriteErrorResponse(w, err.Error(), http.StatusGone)
	case errors.Is(err, safety.ErrNotAcknowledged):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, safety.ErrPhraseMismatch):
		common.WriteErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeConditional serves payload with an ETag; a matching If-None-Match
// answers 304 and tells the client when to poll again.
func writeConditional(w http.ResponseWriter, r *http.Request, payload any, version string) {
	etag := `"` + version + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Retry-After",
		strconv.Itoa(int(progress.MinPollInterval/time.Second)))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	common.WriteJSONResponse(w, payload, http.StatusOK)
}
