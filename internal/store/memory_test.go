package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	v1 "relay/contracts/dm/v1"
)

func strptr(s string) *string { return &s }

func mustThread(t *testing.T, s *Memory, a, b string) Thread {
	t.Helper()
	th, err := s.EnsureDirectThread(context.Background(), a, b)
	if err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	return th
}

func mustInsert(t *testing.T, s *Memory, threadID int64, sender, clientMsgID, body string) Message {
	t.Helper()
	res, err := s.InsertMessage(context.Background(), InsertMessageInput{
		ThreadID:    threadID,
		SenderID:    sender,
		Body:        strptr(body),
		ClientMsgID: clientMsgID,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert %s: %v", clientMsgID, err)
	}
	if res.Duplicated {
		t.Fatalf("insert %s: unexpected duplicate", clientMsgID)
	}
	return res.Stored
}

func TestMemory_EnsureDirectThread_Stable(t *testing.T) {
	t.Parallel()
	s := NewMemory()

	first := mustThread(t, s, "alice", "bob")
	second := mustThread(t, s, "bob", "alice") // reversed pair

	if first.ID != second.ID {
		t.Fatalf("direct thread not stable: %d vs %d", first.ID, second.ID)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", first.Participants)
	}

	if _, err := s.EnsureDirectThread(context.Background(), "alice", "alice"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self thread: expected ErrInvalidInput, got %v", err)
	}
}

func TestMemory_InsertMessage_MonotoneAndIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	first, err := s.InsertMessage(context.Background(), InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "alice",
		Body:        strptr("hello"),
		ClientMsgID: "c-1",
	})
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("insert first: expected Duplicated=false")
	}
	if first.Stored.ID != 1 {
		t.Fatalf("insert first: expected id=1 got=%d", first.Stored.ID)
	}

	second, err := s.InsertMessage(context.Background(), InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "alice",
		Body:        strptr("hello"), // retry of the same send
		ClientMsgID: "c-1",
	})
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("insert duplicate: expected Duplicated=true")
	}
	if second.Stored.ID != first.Stored.ID {
		t.Fatalf("duplicate id mismatch: %d vs %d", second.Stored.ID, first.Stored.ID)
	}

	// The duplicate must not burn an id.
	third := mustInsert(t, s, th.ID, "bob", "c-2", "hi")
	if third.ID != 2 {
		t.Fatalf("expected id=2 after dedup, got=%d", third.ID)
	}

	got, err := s.GetThread(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.LastMessageID != 2 {
		t.Fatalf("thread cursor not advanced: %d", got.LastMessageID)
	}
}

func TestMemory_InsertMessage_Gates(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	_, err := s.InsertMessage(context.Background(), InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "mallory",
		Body:        strptr("hi"),
		ClientMsgID: "c-1",
	})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	_, err = s.InsertMessage(context.Background(), InsertMessageInput{
		ThreadID:    999,
		SenderID:    "alice",
		Body:        strptr("hi"),
		ClientMsgID: "c-2",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if Retryable(err) {
		t.Fatalf("missing thread must not be retryable")
	}
}

func TestMemory_ListMessages_ForwardFromCursor(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	for i := 1; i <= 5; i++ {
		mustInsert(t, s, th.ID, "alice", fmt.Sprintf("c-%d", i), fmt.Sprintf("m%d", i))
	}

	out, err := s.ListMessages(context.Background(), th.ID, ListOptions{After: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(out.Messages) != 2 || out.Messages[0].ID != 3 || out.Messages[1].ID != 4 {
		t.Fatalf("forward page wrong: %+v", out.Messages)
	}
	if !out.HasMore {
		t.Fatalf("expected HasMore=true")
	}

	out, err = s.ListMessages(context.Background(), th.ID, ListOptions{After: 4, Limit: 10})
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].ID != 5 || out.HasMore {
		t.Fatalf("tail page wrong: %+v hasMore=%v", out.Messages, out.HasMore)
	}
}

func TestMemory_ListMessages_BackwardFromEdge(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	for i := 1; i <= 5; i++ {
		mustInsert(t, s, th.ID, "alice", fmt.Sprintf("c-%d", i), fmt.Sprintf("m%d", i))
	}

	out, err := s.ListMessages(context.Background(), th.ID, ListOptions{Before: 4, Limit: 2})
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	// Newest-first below the cursor.
	if len(out.Messages) != 2 || out.Messages[0].ID != 3 || out.Messages[1].ID != 2 {
		t.Fatalf("backward page wrong: %+v", out.Messages)
	}
	if !out.HasMore {
		t.Fatalf("expected HasMore=true")
	}
}

func TestMemory_UpsertReceipt_MonotoneUpgradeOnly(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")
	msg := mustInsert(t, s, th.ID, "alice", "c-1", "hello")

	r, err := s.UpsertReceipt(context.Background(), th.ID, msg.ID, "bob", v1.StatusRead)
	if err != nil {
		t.Fatalf("upsert read: %v", err)
	}
	if r.Status != v1.StatusRead {
		t.Fatalf("expected read, got %s", r.Status)
	}

	// A late delivered must not downgrade read.
	r, err = s.UpsertReceipt(context.Background(), th.ID, msg.ID, "bob", v1.StatusDelivered)
	if err != nil {
		t.Fatalf("upsert delivered: %v", err)
	}
	if r.Status != v1.StatusRead {
		t.Fatalf("downgrade happened: got %s", r.Status)
	}

	if _, err := s.UpsertReceipt(context.Background(), th.ID, msg.ID, "bob", "seen"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: expected ErrInvalidInput, got %v", err)
	}
}

func TestMemory_AggregateStatus(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")
	msg := mustInsert(t, s, th.ID, "alice", "c-1", "hello")

	agg, err := s.AggregateStatus(context.Background(), th.ID, msg.ID, "alice")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg != v1.StatusSent {
		t.Fatalf("no receipts: expected sent, got %s", agg)
	}

	if _, err := s.UpsertReceipt(context.Background(), th.ID, msg.ID, "bob", v1.StatusDelivered); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	agg, _ = s.AggregateStatus(context.Background(), th.ID, msg.ID, "alice")
	if agg != v1.StatusDelivered {
		t.Fatalf("expected delivered, got %s", agg)
	}

	if _, err := s.UpsertReceipt(context.Background(), th.ID, msg.ID, "bob", v1.StatusRead); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	agg, _ = s.AggregateStatus(context.Background(), th.ID, msg.ID, "alice")
	if agg != v1.StatusRead {
		t.Fatalf("expected read, got %s", agg)
	}
}

func TestMemory_MarkReadUpTo(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	for i := 1; i <= 3; i++ {
		mustInsert(t, s, th.ID, "alice", fmt.Sprintf("a-%d", i), "from alice")
	}
	own := mustInsert(t, s, th.ID, "bob", "b-1", "from bob")

	n, err := s.MarkReadUpTo(context.Background(), th.ID, "bob", own.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Own message is skipped.
	if n != 3 {
		t.Fatalf("expected 3 receipts, got %d", n)
	}

	// Idempotent: nothing left to upgrade.
	n, err = s.MarkReadUpTo(context.Background(), th.ID, "bob", own.ID)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 receipts on repeat, got %d", n)
	}

	agg, _ := s.AggregateStatus(context.Background(), th.ID, 1, "alice")
	if agg != v1.StatusRead {
		t.Fatalf("expected read aggregate, got %s", agg)
	}
}

func TestMemory_Blocks_EitherDirection(t *testing.T) {
	t.Parallel()
	s := NewMemory()

	if err := s.BlockUser(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("block: %v", err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		blocked, err := s.IsBlocked(context.Background(), pair[0], pair[1])
		if err != nil {
			t.Fatalf("isblocked: %v", err)
		}
		if !blocked {
			t.Fatalf("expected %s/%s blocked", pair[0], pair[1])
		}
	}

	if err := s.UnblockUser(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	blocked, _ := s.IsBlocked(context.Background(), "alice", "bob")
	if blocked {
		t.Fatalf("expected unblocked")
	}
}

func TestMemory_Flags(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	th := mustThread(t, s, "alice", "bob")

	if err := s.SetMuted(context.Background(), th.ID, "alice", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := s.SetArchived(context.Background(), th.ID, "alice", true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := s.SetMuted(context.Background(), th.ID, "mallory", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	parts, err := s.Participants(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	// Sorted by user id: alice first.
	if !parts[0].Muted || !parts[0].Archived {
		t.Fatalf("flags not set: %+v", parts[0])
	}
	if parts[1].Muted || parts[1].Archived {
		t.Fatalf("flags leaked to other participant: %+v", parts[1])
	}
}

func TestAggregateReceiptStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []v1.ReceiptStatus
		want v1.ReceiptStatus
	}{
		{"empty", nil, v1.StatusSent},
		{"all read", []v1.ReceiptStatus{v1.StatusRead}, v1.StatusRead},
		{"mixed", []v1.ReceiptStatus{v1.StatusRead, v1.StatusDelivered}, v1.StatusDelivered},
		{"one missing", []v1.ReceiptStatus{v1.StatusRead, ""}, v1.StatusSent},
	}
	for _, tc := range cases {
		if got := AggregateReceiptStatus(tc.in); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
