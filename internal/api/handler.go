// Package api is the HTTP side-channel: a REST surface over the same
// store and send pipeline the WebSocket gateway uses. Clients fall back
// to it when a socket cannot be established, and integrations use it for
// thread management, receipts, and attachment signing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	v1 "relay/contracts/dm/v1"
	"relay/internal/attach"
	"relay/internal/auth"
	"relay/internal/realtime"
	"relay/internal/store"
)

type ctxKey struct{}

// identityFrom returns the authenticated identity stored by the bearer
// middleware.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(auth.Identity)
	return id, ok
}

// Handler serves the REST API. Every route requires a bearer token; the
// write paths share the gateway's pipeline so HTTP sends carry the same
// exactly-once and fan-out guarantees as WebSocket sends.
type Handler struct {
	log      *slog.Logger
	verifier auth.TokenVerifier
	store    store.Store
	pipeline *realtime.Pipeline
	registry *realtime.Registry
	resolver *attach.Resolver

	maxBodyBytes int64
}

// Config wires a Handler. Verifier, Store, Pipeline, and Registry are
// required; Resolver is optional (attachment routes 404 without it).
type Config struct {
	Log      *slog.Logger
	Verifier auth.TokenVerifier
	Store    store.Store
	Pipeline *realtime.Pipeline
	Registry *realtime.Registry
	Resolver *attach.Resolver
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Log == nil {
		return nil, errors.New("api: handler needs a logger")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: handler needs a token verifier")
	}
	if cfg.Store == nil {
		return nil, errors.New("api: handler needs a store")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("api: handler needs a pipeline")
	}
	if cfg.Registry == nil {
		return nil, errors.New("api: handler needs a registry")
	}
	return &Handler{
		log:          cfg.Log,
		verifier:     cfg.Verifier,
		store:        cfg.Store,
		pipeline:     cfg.Pipeline,
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		maxBodyBytes: 256 << 10,
	}, nil
}

// Router returns the mounted REST routes under /api/v1.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.bearerAuth)

	api.HandleFunc("/threads", h.ensureThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}", h.getThread).Methods(http.MethodGet)
	api.HandleFunc("/threads/{threadID}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{threadID}/messages", h.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}/read", h.markRead).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}/mute", h.setMuted).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}/archive", h.setArchived).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}/participants", h.participants).Methods(http.MethodGet)

	api.HandleFunc("/blocks/{userID}", h.block).Methods(http.MethodPut)
	api.HandleFunc("/blocks/{userID}", h.unblock).Methods(http.MethodDelete)

	api.HandleFunc("/attachments/uploads", h.signUpload).Methods(http.MethodPost)
	api.HandleFunc("/attachments/url", h.resolveURL).Methods(http.MethodGet)

	api.HandleFunc("/presence", h.presence).Methods(http.MethodGet)

	return r
}

// ---- middleware ----

func (h *Handler) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			h.writeError(w, http.StatusUnauthorized, v1.CodeNotAuthenticated, "missing bearer token")
			return
		}
		id, err := h.verifier.Verify(r.Context(), strings.TrimSpace(token))
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "token rejected")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// ---- thread routes ----

type threadView struct {
	ThreadID      int64      `json:"thread_id"`
	Participants  []string   `json:"participants"`
	LastMessageID int64      `json:"last_message_id"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func viewThread(t store.Thread) threadView {
	return threadView{
		ThreadID:      t.ID,
		Participants:  t.Participants,
		LastMessageID: t.LastMessageID,
		LastMessageAt: t.LastMessageAt,
		CreatedAt:     t.CreatedAt,
	}
}

func (h *Handler) ensureThread(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req struct {
		With string `json:"with"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	other := strings.TrimSpace(req.With)
	if other == "" || other == id.UserID {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "missing or self 'with'")
		return
	}

	blocked, err := h.store.IsBlocked(r.Context(), id.UserID, other)
	if err != nil {
		h.storeError(w, "thread block check", err)
		return
	}
	if blocked {
		h.writeError(w, http.StatusForbidden, v1.CodeForbidden, "blocked")
		return
	}

	t, err := h.store.EnsureDirectThread(r.Context(), id.UserID, other)
	if err != nil {
		h.storeError(w, "ensure thread", err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewThread(t))
}

func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	_, threadID, ok := h.threadAccess(w, r)
	if !ok {
		return
	}

	t, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		h.storeError(w, "get thread", err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewThread(t))
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	_, threadID, ok := h.threadAccess(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opt := store.ListOptions{
		Before: queryInt64(q.Get("before")),
		After:  queryInt64(q.Get("after")),
		Limit:  int(queryInt64(q.Get("limit"))),
	}

	out, err := h.store.ListMessages(r.Context(), threadID, opt)
	if err != nil {
		h.storeError(w, "list messages", err)
		return
	}

	msgs := make([]v1.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.Wire())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  msgs,
		"has_more":  out.HasMore,
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	threadID, ok := pathThreadID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid thread id")
		return
	}

	var req struct {
		ClientMsgID string          `json:"client_msg_id"`
		Body        *string         `json:"body"`
		Attachments []v1.Attachment `json:"attachments"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClientMsgID) == "" {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "missing client_msg_id")
		return
	}
	if (req.Body == nil || strings.TrimSpace(*req.Body) == "") && len(req.Attachments) == 0 {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "empty message")
		return
	}

	// An accepted send survives the caller hanging up mid-request, same
	// as on the WebSocket path.
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer sendCancel()

	res, err := h.pipeline.Send(sendCtx, realtime.SendInput{
		ThreadID:    threadID,
		SenderID:    id.UserID,
		Kind:        v1.KindText,
		Body:        req.Body,
		Attachments: req.Attachments,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		if errors.Is(err, realtime.ErrForbidden) {
			h.writeError(w, http.StatusForbidden, v1.CodeForbidden, "send denied")
			return
		}
		h.log.Error("api.send.fail", "thread_id", threadID, "client_msg_id", req.ClientMsgID, "err", err)
		h.writeError(w, http.StatusServiceUnavailable, v1.CodeSendFailed, "message not persisted")
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res.Message)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, threadID, ok := h.threadAccess(w, r)
	if !ok {
		return
	}

	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.MessageID <= 0 {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "missing message_id")
		return
	}

	n, err := h.store.MarkReadUpTo(r.Context(), threadID, id.UserID, req.MessageID)
	if err != nil {
		h.storeError(w, "mark read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"updated":   n,
	})
}

func (h *Handler) setMuted(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "mute", h.store.SetMuted)
}

func (h *Handler) setArchived(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "archive", h.store.SetArchived)
}

func (h *Handler) setFlag(w http.ResponseWriter, r *http.Request, name string, set func(context.Context, int64, string, bool) error) {
	id, threadID, ok := h.threadAccess(w, r)
	if !ok {
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := set(r.Context(), threadID, id.UserID, req.Enabled); err != nil {
		h.storeError(w, name, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		name + "d":  req.Enabled,
	})
}

func (h *Handler) participants(w http.ResponseWriter, r *http.Request) {
	_, threadID, ok := h.threadAccess(w, r)
	if !ok {
		return
	}

	parts, err := h.store.Participants(r.Context(), threadID)
	if err != nil {
		h.storeError(w, "participants", err)
		return
	}

	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	online := h.registry.Online(ids)

	type partView struct {
		UserID   string    `json:"user_id"`
		Muted    bool      `json:"muted"`
		Archived bool      `json:"archived"`
		JoinedAt time.Time `json:"joined_at"`
		Online   bool      `json:"online"`
	}
	out := make([]partView, 0, len(parts))
	for _, p := range parts {
		out = append(out, partView{
			UserID:   p.UserID,
			Muted:    p.Muted,
			Archived: p.Archived,
			JoinedAt: p.JoinedAt,
			Online:   online[p.UserID],
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":    threadID,
		"participants": out,
	})
}

// ---- block routes ----

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	other := strings.TrimSpace(mux.Vars(r)["userID"])
	if other == "" || other == id.UserID {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid user id")
		return
	}
	if err := h.store.BlockUser(r.Context(), id.UserID, other); err != nil {
		h.storeError(w, "block", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"blocked": other})
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	other := strings.TrimSpace(mux.Vars(r)["userID"])
	if other == "" {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid user id")
		return
	}
	if err := h.store.UnblockUser(r.Context(), id.UserID, other); err != nil {
		h.storeError(w, "unblock", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"unblocked": other})
}

// ---- attachment routes ----

func (h *Handler) signUpload(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		h.writeError(w, http.StatusNotFound, v1.CodeInvalidMessage, "attachments not configured")
		return
	}

	var req struct {
		Bucket   string `json:"bucket"`
		Filename string `json:"filename"`
		Mime     string `json:"mime"`
		TTLSec   int64  `json:"ttl_sec"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	target, err := h.resolver.SignUpload(r.Context(), req.Bucket, req.Filename, req.Mime, time.Duration(req.TTLSec)*time.Second)
	if err != nil {
		h.log.Error("api.attach.sign", "err", err)
		h.writeError(w, http.StatusInternalServerError, v1.CodeSendFailed, "upload grant failed")
		return
	}
	h.writeJSON(w, http.StatusOK, target)
}

func (h *Handler) resolveURL(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		h.writeError(w, http.StatusNotFound, v1.CodeInvalidMessage, "attachments not configured")
		return
	}

	q := r.URL.Query()
	objPath := q.Get("path")
	bucket := q.Get("bucket")
	ttl := time.Duration(queryInt64(q.Get("ttl_sec"))) * time.Second

	url, err := h.resolver.Resolve(r.Context(), objPath, bucket, ttl)
	if err != nil {
		if errors.Is(err, attach.ErrObjectNotFound) {
			h.writeError(w, http.StatusNotFound, v1.CodeInvalidMessage, "object not found")
			return
		}
		h.log.Error("api.attach.resolve", "path", objPath, "err", err)
		h.writeError(w, http.StatusInternalServerError, v1.CodeSendFailed, "resolve failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

// ---- presence ----

func (h *Handler) presence(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("users"))
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "missing users")
		return
	}
	ids := make([]string, 0, 8)
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			ids = append(ids, s)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"online": h.registry.Online(ids)})
}

// ---- helpers ----

// threadAccess parses the thread id and enforces thread membership.
func (h *Handler) threadAccess(w http.ResponseWriter, r *http.Request) (auth.Identity, int64, bool) {
	id, _ := identityFrom(r.Context())
	threadID, ok := pathThreadID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid thread id")
		return id, 0, false
	}
	member, err := h.store.IsParticipant(r.Context(), threadID, id.UserID)
	if err != nil {
		h.storeError(w, "participant check", err)
		return id, 0, false
	}
	if !member {
		h.writeError(w, http.StatusForbidden, v1.CodeForbidden, "not a participant")
		return id, 0, false
	}
	return id, threadID, true
}

func pathThreadID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["threadID"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("api.write.fail", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, map[string]any{
		"code":      code,
		"error":     msg,
		"retryable": v1.RetryableCode(code),
	})
}

// storeError maps store failures onto HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, v1.CodeInvalidMessage, "not found")
	case errors.Is(err, store.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, v1.CodeForbidden, "not a participant")
	case errors.Is(err, store.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid input")
	default:
		h.log.Error("api."+op, "err", err)
		h.writeError(w, http.StatusServiceUnavailable, v1.CodeSendFailed, "temporarily unavailable")
	}
}
