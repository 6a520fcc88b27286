package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	v1 "relay/contracts/dm/v1"
	"relay/internal/auth"
	"relay/internal/broker"
	"relay/internal/metrics"
	"relay/internal/realtime"
	"relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, *store.Memory) {
	t.Helper()

	log := testLogger()
	mem := store.NewMemory()
	reg := realtime.NewRegistry(log, metrics.Nop())
	pipe, err := realtime.NewPipeline(realtime.PipelineConfig{
		Log:      log,
		Store:    mem,
		Registry: reg,
		Broker:   broker.Local{},
		Metrics:  metrics.Nop(),
		Origin:   "test-instance",
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	h, err := New(Config{
		Log:      log,
		Verifier: auth.Static{"tok-alice": "alice", "tok-bob": "bob", "tok-mallory": "mallory"},
		Store:    mem,
		Pipeline: pipe,
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h, mem
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()

	h, mem := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, mem
}

func doReq(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	out, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func decodeBody(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
}

func mustEnsureThread(t *testing.T, ts *httptest.Server, token, with string) int64 {
	t.Helper()
	resp, raw := doReq(t, ts, http.MethodPost, "/api/v1/threads", token, map[string]string{"with": with})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ensure thread: status %d body %s", resp.StatusCode, raw)
	}
	var tv struct {
		ThreadID int64 `json:"thread_id"`
	}
	decodeBody(t, raw, &tv)
	if tv.ThreadID <= 0 {
		t.Fatalf("bad thread id in %s", raw)
	}
	return tv.ThreadID
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, raw := doReq(t, ts, http.MethodPost, "/api/v1/threads", "", map[string]string{"with": "bob"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", resp.StatusCode, raw)
	}
	var e struct {
		Code string `json:"code"`
	}
	decodeBody(t, raw, &e)
	if e.Code != v1.CodeNotAuthenticated {
		t.Fatalf("code %q", e.Code)
	}

	resp, raw = doReq(t, ts, http.MethodPost, "/api/v1/threads", "tok-bogus", map[string]string{"with": "bob"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d body %s", resp.StatusCode, raw)
	}
	decodeBody(t, raw, &e)
	if e.Code != v1.CodeAuthFailed {
		t.Fatalf("bad token code %q", e.Code)
	}
}

func TestAPI_EnsureThreadIsStable(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	id1 := mustEnsureThread(t, ts, "tok-alice", "bob")
	id2 := mustEnsureThread(t, ts, "tok-bob", "alice")
	if id1 != id2 {
		t.Fatalf("thread ids differ: %d vs %d", id1, id2)
	}

	resp, raw := doReq(t, ts, http.MethodPost, "/api/v1/threads", "tok-alice", map[string]string{"with": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self thread: status %d body %s", resp.StatusCode, raw)
	}
}

func TestAPI_SendMessageAndDuplicate(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	threadID := mustEnsureThread(t, ts, "tok-alice", "bob")

	path := fmt.Sprintf("/api/v1/threads/%d/messages", threadID)
	send := map[string]any{"client_msg_id": "cm-1", "body": "hello"}

	resp, raw := doReq(t, ts, http.MethodPost, path, "tok-alice", send)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status %d body %s", resp.StatusCode, raw)
	}
	var msg v1.Message
	decodeBody(t, raw, &msg)
	if msg.MessageID != 1 || msg.SenderID != "alice" || msg.ClientMsgID != "cm-1" {
		t.Fatalf("wrong message: %+v", msg)
	}

	// Replaying the same client msg id returns the original, not 201.
	resp, raw = doReq(t, ts, http.MethodPost, path, "tok-alice", send)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate: status %d body %s", resp.StatusCode, raw)
	}
	var dup v1.Message
	decodeBody(t, raw, &dup)
	if dup.MessageID != msg.MessageID {
		t.Fatalf("duplicate returned different message: %+v", dup)
	}

	resp, raw = doReq(t, ts, http.MethodPost, path, "tok-alice", map[string]any{"client_msg_id": "cm-2"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message: status %d body %s", resp.StatusCode, raw)
	}
}

func TestAPI_OutsiderIsForbidden(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	threadID := mustEnsureThread(t, ts, "tok-alice", "bob")

	for _, route := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, fmt.Sprintf("/api/v1/threads/%d", threadID), nil},
		{http.MethodGet, fmt.Sprintf("/api/v1/threads/%d/messages", threadID), nil},
		{http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/messages", threadID), map[string]any{"client_msg_id": "cm-x", "body": "hi"}},
		{http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/read", threadID), map[string]any{"message_id": 1}},
	} {
		resp, raw := doReq(t, ts, route.method, route.path, "tok-mallory", route.body)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s %s: status %d body %s", route.method, route.path, resp.StatusCode, raw)
		}
	}
}

func TestAPI_ListMessagesAndCursor(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	threadID := mustEnsureThread(t, ts, "tok-alice", "bob")

	path := fmt.Sprintf("/api/v1/threads/%d/messages", threadID)
	for i := 1; i <= 3; i++ {
		body := map[string]any{"client_msg_id": fmt.Sprintf("cm-%d", i), "body": fmt.Sprintf("msg %d", i)}
		resp, raw := doReq(t, ts, http.MethodPost, path, "tok-alice", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %d: status %d body %s", i, resp.StatusCode, raw)
		}
	}

	resp, raw := doReq(t, ts, http.MethodGet, path+"?after=1&limit=10", "tok-bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.StatusCode, raw)
	}
	var page struct {
		Messages []v1.Message `json:"messages"`
		HasMore  bool         `json:"has_more"`
	}
	decodeBody(t, raw, &page)
	if len(page.Messages) != 2 || page.Messages[0].MessageID != 2 || page.Messages[1].MessageID != 3 {
		t.Fatalf("wrong page: %s", raw)
	}
	if page.HasMore {
		t.Fatalf("has_more should be false: %s", raw)
	}
}

func TestAPI_MarkRead(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	threadID := mustEnsureThread(t, ts, "tok-alice", "bob")

	msgPath := fmt.Sprintf("/api/v1/threads/%d/messages", threadID)
	for i := 1; i <= 2; i++ {
		body := map[string]any{"client_msg_id": fmt.Sprintf("cm-%d", i), "body": "x"}
		resp, raw := doReq(t, ts, http.MethodPost, msgPath, "tok-alice", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %d: status %d body %s", i, resp.StatusCode, raw)
		}
	}

	resp, raw := doReq(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/read", threadID), "tok-bob", map[string]any{"message_id": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status %d body %s", resp.StatusCode, raw)
	}
	var out struct {
		Updated int `json:"updated"`
	}
	decodeBody(t, raw, &out)
	if out.Updated != 2 {
		t.Fatalf("updated = %d, want 2 (%s)", out.Updated, raw)
	}
}

func TestAPI_MuteAndArchiveFlags(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	threadID := mustEnsureThread(t, ts, "tok-alice", "bob")

	resp, raw := doReq(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/mute", threadID), "tok-alice", map[string]any{"enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mute: status %d body %s", resp.StatusCode, raw)
	}
	resp, raw = doReq(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/archive", threadID), "tok-alice", map[string]any{"enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: status %d body %s", resp.StatusCode, raw)
	}

	resp, raw = doReq(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/threads/%d/participants", threadID), "tok-bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("participants: status %d body %s", resp.StatusCode, raw)
	}
	var pv struct {
		Participants []struct {
			UserID   string `json:"user_id"`
			Muted    bool   `json:"muted"`
			Archived bool   `json:"archived"`
			Online   bool   `json:"online"`
		} `json:"participants"`
	}
	decodeBody(t, raw, &pv)
	byUser := map[string]struct{ muted, archived bool }{}
	for _, p := range pv.Participants {
		byUser[p.UserID] = struct{ muted, archived bool }{p.Muted, p.Archived}
		if p.Online {
			t.Fatalf("no sockets connected, %s cannot be online", p.UserID)
		}
	}
	if f := byUser["alice"]; !f.muted || !f.archived {
		t.Fatalf("alice flags not set: %+v", byUser)
	}
	if f := byUser["bob"]; f.muted || f.archived {
		t.Fatalf("bob flags leaked: %+v", byUser)
	}
}

func TestAPI_BlocksGateThreadCreation(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, raw := doReq(t, ts, http.MethodPut, "/api/v1/blocks/alice", "tok-bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block: status %d body %s", resp.StatusCode, raw)
	}

	resp, raw = doReq(t, ts, http.MethodPost, "/api/v1/threads", "tok-alice", map[string]string{"with": "bob"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked ensure: status %d body %s", resp.StatusCode, raw)
	}

	resp, raw = doReq(t, ts, http.MethodDelete, "/api/v1/blocks/alice", "tok-bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unblock: status %d body %s", resp.StatusCode, raw)
	}
	mustEnsureThread(t, ts, "tok-alice", "bob")
}

func TestAPI_AttachmentsNotConfigured(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, raw := doReq(t, ts, http.MethodPost, "/api/v1/attachments/uploads", "tok-alice", map[string]any{"filename": "a.png"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("sign upload: status %d body %s", resp.StatusCode, raw)
	}
	resp, raw = doReq(t, ts, http.MethodGet, "/api/v1/attachments/url?path=a.png", "tok-alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resolve: status %d body %s", resp.StatusCode, raw)
	}
}

func TestAPI_Presence(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, raw := doReq(t, ts, http.MethodGet, "/api/v1/presence?users=alice,bob", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence: status %d body %s", resp.StatusCode, raw)
	}
	var out struct {
		Online map[string]bool `json:"online"`
	}
	decodeBody(t, raw, &out)
	if len(out.Online) != 2 || out.Online["alice"] || out.Online["bob"] {
		t.Fatalf("unexpected presence: %s", raw)
	}

	resp, raw = doReq(t, ts, http.MethodGet, "/api/v1/presence", "tok-alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing users: status %d body %s", resp.StatusCode, raw)
	}
}

func TestSendMessageSurvivesCallerHangup(t *testing.T) {
	t.Parallel()

	h, mem := newTestHandler(t)
	th, err := mem.EnsureDirectThread(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	// The caller hangs up before the handler runs. The write must still
	// commit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body, _ := json.Marshal(map[string]any{
		"client_msg_id": "c-hangup",
		"body":          "still delivered",
	})
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/threads/%d/messages", th.ID),
		bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok-alice")

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.Bytes())
	}

	out, err := mem.ListMessages(context.Background(), th.ID, store.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].ClientMsgID != "c-hangup" {
		t.Fatalf("message not persisted: %+v", out.Messages)
	}
}
