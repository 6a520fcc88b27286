package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "relay/contracts/dm/v1"
)

const (
	memMaxMessagesPerThread = 10_000

	defaultListLimit = 50
	maxListLimit     = 200
)

// Memory is an in-memory Store used for dev mode and tests. It mirrors the
// Postgres adapter's semantics: idempotent insert, per-thread monotone ids,
// monotone receipt upgrades.
type Memory struct {
	mu           sync.Mutex
	nextThreadID int64
	threads      map[int64]*memThread
	direct       map[[2]string]int64 // normalized pair -> thread id
	blocks       map[string]map[string]struct{}
}

type memThread struct {
	thread       Thread
	participants map[string]*Participant
	nextMsgID    int64
	msgs         []Message                      // ordered by id
	dedupe       map[string]Message             // client_msg_id -> stored
	receipts     map[int64]map[string]Receipt   // message id -> user -> receipt
}

// NewMemory constructs an in-memory Store implementation.
func NewMemory() *Memory {
	return &Memory{
		threads: make(map[int64]*memThread),
		direct:  make(map[[2]string]int64),
		blocks:  make(map[string]map[string]struct{}),
	}
}

// Close closes the store (noop for in-memory).
func (s *Memory) Close() error { return nil }

func directKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// EnsureDirectThread returns (creating on first contact) the direct thread
// between two users.
func (s *Memory) EnsureDirectThread(ctx context.Context, userA, userB string) (Thread, error) {
	if userA == "" || userB == "" || userA == userB {
		return Thread{}, fmt.Errorf("%w: invalid participant pair", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Thread{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := directKey(userA, userB)
	if id, ok := s.direct[key]; ok {
		return s.threads[id].thread, nil
	}

	s.nextThreadID++
	now := time.Now().UTC()
	t := &memThread{
		thread: Thread{
			ID:           s.nextThreadID,
			Participants: []string{key[0], key[1]},
			CreatedAt:    now,
		},
		participants: map[string]*Participant{
			key[0]: {ThreadID: s.nextThreadID, UserID: key[0], JoinedAt: now},
			key[1]: {ThreadID: s.nextThreadID, UserID: key[1], JoinedAt: now},
		},
		dedupe:   make(map[string]Message),
		receipts: make(map[int64]map[string]Receipt),
	}
	s.threads[s.nextThreadID] = t
	s.direct[key] = s.nextThreadID
	return t.thread, nil
}

func (s *Memory) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	if err := ctx.Err(); err != nil {
		return Thread{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t.thread, nil
}

func (s *Memory) IsParticipant(ctx context.Context, threadID int64, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return false, nil
	}
	_, ok = t.participants[userID]
	return ok, nil
}

func (s *Memory) Participants(ctx context.Context, threadID int64) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// InsertMessage persists a message with idempotency and monotone id
// allocation, and advances the thread cursor.
func (s *Memory) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	if in.ThreadID <= 0 || in.SenderID == "" || in.ClientMsgID == "" {
		return InsertMessageResult{}, fmt.Errorf("%w: missing thread, sender, or client_msg_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return InsertMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	kind := in.Kind
	if kind == "" {
		kind = v1.KindText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[in.ThreadID]
	if !ok {
		return InsertMessageResult{}, ErrNotFound
	}
	if _, ok := t.participants[in.SenderID]; !ok {
		return InsertMessageResult{}, ErrNotParticipant
	}

	if existing, ok := t.dedupe[in.ClientMsgID]; ok {
		return InsertMessageResult{Stored: existing, Duplicated: true}, nil
	}

	t.nextMsgID++
	msg := Message{
		ThreadID:    in.ThreadID,
		ID:          t.nextMsgID,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		Kind:        kind,
		Body:        in.Body,
		Attachments: append([]v1.Attachment(nil), in.Attachments...),
		CreatedAt:   now,
	}
	t.dedupe[in.ClientMsgID] = msg
	t.msgs = append(t.msgs, msg)

	// Bound memory in long-lived dev processes.
	if len(t.msgs) > memMaxMessagesPerThread {
		t.msgs = t.msgs[len(t.msgs)-memMaxMessagesPerThread:]
	}

	t.thread.LastMessageID = msg.ID
	ts := msg.CreatedAt
	t.thread.LastMessageAt = &ts

	return InsertMessageResult{Stored: msg, Duplicated: false}, nil
}

func (s *Memory) GetMessage(ctx context.Context, threadID, messageID int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Message{}, ErrNotFound
	}
	for _, m := range t.msgs {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

// ListMessages pages by id: Before > 0 walks backward newest-first,
// otherwise forward oldest-first from After.
func (s *Memory) ListMessages(ctx context.Context, threadID int64, opt ListOptions) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampLimit(opt.Limit)
	fetch := limit + 1

	s.mu.Lock()
	t := s.threads[threadID]
	var snap []Message
	if t != nil {
		snap = append([]Message(nil), t.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListResult{}, nil
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	var out []Message
	if opt.Before > 0 {
		end := sort.Search(len(snap), func(i int) bool { return snap[i].ID >= opt.Before })
		start := end - fetch
		if start < 0 {
			start = 0
		}
		window := snap[start:end]
		// Newest-first.
		out = make([]Message, 0, len(window))
		for i := len(window) - 1; i >= 0; i-- {
			out = append(out, window[i])
		}
	} else {
		start := sort.Search(len(snap), func(i int) bool { return snap[i].ID > opt.After })
		end := start + fetch
		if end > len(snap) {
			end = len(snap)
		}
		out = append([]Message(nil), snap[start:end]...)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListResult{Messages: out, HasMore: hasMore}, nil
}

func (s *Memory) UpdateThreadCursor(ctx context.Context, threadID, lastMessageID int64, lastMessageAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if lastMessageID > t.thread.LastMessageID {
		t.thread.LastMessageID = lastMessageID
		ts := lastMessageAt
		t.thread.LastMessageAt = &ts
	}
	return nil
}

// UpsertReceipt records a delivery state; downgrades are ignored.
func (s *Memory) UpsertReceipt(ctx context.Context, threadID, messageID int64, userID string, status v1.ReceiptStatus) (Receipt, error) {
	if !status.Valid() {
		return Receipt{}, fmt.Errorf("%w: bad status %q", ErrInvalidInput, status)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if _, ok := t.participants[userID]; !ok {
		return Receipt{}, ErrNotParticipant
	}

	byUser := t.receipts[messageID]
	if byUser == nil {
		byUser = make(map[string]Receipt)
		t.receipts[messageID] = byUser
	}
	if existing, ok := byUser[userID]; ok && existing.Status.Rank() >= status.Rank() {
		return existing, nil
	}
	r := Receipt{
		ThreadID:  threadID,
		MessageID: messageID,
		UserID:    userID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	byUser[userID] = r
	return r, nil
}

func (s *Memory) AggregateStatus(ctx context.Context, threadID, messageID int64, senderID string) (v1.ReceiptStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return "", ErrNotFound
	}

	var statuses []v1.ReceiptStatus
	for uid := range t.participants {
		if uid == senderID {
			continue
		}
		st := v1.StatusSent
		if byUser, ok := t.receipts[messageID]; ok {
			if r, ok := byUser[uid]; ok {
				st = r.Status
			}
		}
		statuses = append(statuses, st)
	}
	return AggregateReceiptStatus(statuses), nil
}

func (s *Memory) MarkReadUpTo(ctx context.Context, threadID int64, userID string, messageID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return 0, ErrNotFound
	}
	if _, ok := t.participants[userID]; !ok {
		return 0, ErrNotParticipant
	}

	touched := 0
	now := time.Now().UTC()
	for _, m := range t.msgs {
		if m.ID > messageID || m.SenderID == userID {
			continue
		}
		byUser := t.receipts[m.ID]
		if byUser == nil {
			byUser = make(map[string]Receipt)
			t.receipts[m.ID] = byUser
		}
		if existing, ok := byUser[userID]; ok && existing.Status.Rank() >= v1.StatusRead.Rank() {
			continue
		}
		byUser[userID] = Receipt{
			ThreadID:  threadID,
			MessageID: m.ID,
			UserID:    userID,
			Status:    v1.StatusRead,
			UpdatedAt: now,
		}
		touched++
	}
	return touched, nil
}

func (s *Memory) SetMuted(ctx context.Context, threadID int64, userID string, muted bool) error {
	return s.setFlag(ctx, threadID, userID, func(p *Participant) { p.Muted = muted })
}

func (s *Memory) SetArchived(ctx context.Context, threadID int64, userID string, archived bool) error {
	return s.setFlag(ctx, threadID, userID, func(p *Participant) { p.Archived = archived })
}

func (s *Memory) setFlag(ctx context.Context, threadID int64, userID string, apply func(*Participant)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	p, ok := t.participants[userID]
	if !ok {
		return ErrNotParticipant
	}
	apply(p)
	return nil
}

func (s *Memory) BlockUser(ctx context.Context, userID, blockedID string) error {
	if userID == "" || blockedID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.blocks[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.blocks[userID] = set
	}
	set[blockedID] = struct{}{}
	return nil
}

func (s *Memory) UnblockUser(ctx context.Context, userID, blockedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks[userID], blockedID)
	return nil
}

// IsBlocked reports whether either side has blocked the other.
func (s *Memory) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[userID][otherID]; ok {
		return true, nil
	}
	_, ok := s.blocks[otherID][userID]
	return ok, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

var _ Store = (*Memory)(nil)
