package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/coordinator"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/telemetry"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// mutationOptions reads the optional If-Match header as the base version
// the client last saw.
func mutationOptions(w http.ResponseWriter, r *http.Request) ([]coordinator.MutationOption, bool) {
	v := strings.Trim(r.Header.Get("If-Match"), `"`)
	if v == "" {
		return nil, true
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("If-Match must be a version number"))
		return nil, false
	}
	return []coordinator.MutationOption{coordinator.WithBaseVersion(version)}, true
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var deferred *coordinator.DeferredConflictError
	if errors.As(err, &deferred) {
		return http.StatusConflict
	}
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return http.StatusNotFound
	}
	if apperrors.Is(err, apperrors.ErrSyncBusy) {
		return http.StatusConflict
	}
	switch apperrors.Classify(err) {
	case apperrors.CategoryValidation:
		return http.StatusBadRequest
	case apperrors.CategoryPermission:
		return http.StatusForbidden
	case apperrors.CategoryConflict:
		return http.StatusConflict
	case apperrors.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeMutation writes a mutation result. A deferred conflict still carries
// the result so clients learn the conflict id.
func writeMutation(w http.ResponseWriter, res *coordinator.Result, err error, created bool) {
	if err != nil {
		body := map[string]interface{}{"error": err.Error()}
		if res != nil {
			body["result"] = res
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	switch {
	case res.Queued:
		writeJSON(w, http.StatusAccepted, res)
	case created:
		writeJSON(w, http.StatusCreated, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// =====================================================
// Status endpoints
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chatsync"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, telemetry.GetSnapshot())
}

// ItemView is the wire form of a queued or failed operation.
type ItemView struct {
	ID          string            `json:"id"`
	Operation   models.Operation  `json:"operation"`
	EntityType  models.EntityType `json:"entityType"`
	EntityID    string            `json:"entityId,omitempty"`
	TempID      string            `json:"tempId,omitempty"`
	Priority    models.Priority   `json:"priority"`
	Retries     int               `json:"retries"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastAttempt *time.Time        `json:"lastAttempt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Fields      models.Record     `json:"fields,omitempty"`
}

// NewItemView converts a queue item.
func NewItemView(it queue.Item) ItemView {
	v := ItemView{
		ID:          it.ID,
		Operation:   it.Operation,
		EntityType:  it.EntityType,
		EntityID:    it.EntityID,
		TempID:      it.TempID,
		Priority:    it.Priority,
		Retries:     it.Retries,
		CreatedAt:   it.CreatedAt,
		LastAttempt: it.LastAttempt,
		Error:       it.Error,
	}
	if it.Payload != nil {
		v.Fields = it.Payload.Fields()
	}
	return v
}

func itemViews(items []queue.Item) []ItemView {
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, NewItemView(it))
	}
	return out
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": itemViews(s.coord.Queue().Items()),
		"stats": s.coord.Queue().Stats(),
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Clear(r.Context()); err != nil {
		writeJSON(w, statusFor(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	started := s.coord.ProcessQueue(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": started,
		"queue":   s.coord.Queue().Stats(),
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("network control is disabled"))
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("online is required"))
		return
	}
	s.monitor.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// =====================================================
// Conflicts and failed items
// =====================================================

// ConflictView is the wire form of an unresolved conflict.
type ConflictView struct {
	ID                string            `json:"id"`
	EntityType        models.EntityType `json:"entityType"`
	EntityID          string            `json:"entityId"`
	Local             models.Record     `json:"local"`
	Remote            models.Record     `json:"remote"`
	ConflictingFields []string          `json:"conflictingFields"`
	DetectedAt        time.Time         `json:"detectedAt"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	active := s.coord.Resolver().Active()
	out := make([]ConflictView, 0, len(active))
	for _, c := range active {
		out = append(out, ConflictView{
			ID:                c.ID,
			EntityType:        c.EntityType,
			EntityID:          c.EntityID,
			Local:             c.Local,
			Remote:            c.Remote,
			ConflictingFields: c.ConflictingFields,
			DetectedAt:        c.DetectedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil || strategy == conflict.ResolutionStrategyManual {
		writeJSON(w, http.StatusBadRequest, errorResponse("strategy must be local_wins, remote_wins, merge or last_write_wins"))
		return
	}

	res, err := s.coord.ResolveConflict(r.Context(), chi.URLParam(r, "conflict_id"), strategy)
	if errors.Is(err, conflict.ErrConflictNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		return
	}
	writeMutation(w, res, err, false)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	failed := s.coord.FailedItems()
	out := make(map[string][]ItemView, len(failed))
	for id, items := range failed {
		out[id] = itemViews(items)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.RetryFailed(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"requeued": n})
}

func (s *Server) handleDiscardFailed(w http.ResponseWriter, r *http.Request) {
	n := s.coord.DiscardFailed(chi.URLParam(r, "entity_id"))
	if n == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse("no failed changes for entity"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

// =====================================================
// Chat mutations
// =====================================================

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.coord.CreateChat(r.Context(), req.Title, req.Model)
	writeMutation(w, res, err, true)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	opts, ok := mutationOptions(w, r)
	if !ok {
		return
	}
	res, err := s.coord.RenameChat(r.Context(), chi.URLParam(r, "chat_id"), req.Title, opts...)
	writeMutation(w, res, err, false)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	cascade := strings.EqualFold(r.URL.Query().Get("cascade"), "true")
	opts, ok := mutationOptions(w, r)
	if !ok {
		return
	}
	res, err := s.coord.DeleteChat(r.Context(), chi.URLParam(r, "chat_id"), cascade, opts...)
	writeMutation(w, res, err, false)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.coord.SendMessage(r.Context(), chi.URLParam(r, "chat_id"), req.Content)
	writeMutation(w, res, err, true)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	opts, ok := mutationOptions(w, r)
	if !ok {
		return
	}
	res, err := s.coord.EditMessage(r.Context(), chi.URLParam(r, "message_id"), req.Content, opts...)
	writeMutation(w, res, err, false)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	opts, ok := mutationOptions(w, r)
	if !ok {
		return
	}
	res, err := s.coord.DeleteMessage(r.Context(), chi.URLParam(r, "chat_id"), chi.URLParam(r, "message_id"), opts...)
	writeMutation(w, res, err, false)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateUser
	if !decodeBody(w, r, &req) {
		return
	}
	opts, ok := mutationOptions(w, r)
	if !ok {
		return
	}
	res, err := s.coord.UpdateProfile(r.Context(), chi.URLParam(r, "user_id"), req, opts...)
	writeMutation(w, res, err, false)
}
