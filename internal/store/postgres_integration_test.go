package store

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "relay/contracts/dm/v1"
)

// Integration tests run when RELAY_TEST_DATABASE_URL is set, so a plain
// "go test ./..." stays fast and Postgres-free.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("RELAY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	return pool
}

func mustTestStore(t *testing.T, pool *pgxpool.Pool) *Postgres {
	t.Helper()

	schema := fmt.Sprintf("relay_it_%d_%d", time.Now().UnixNano(), rand.Intn(1<<16))
	s, err := NewPostgres(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(),
			"DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})
	return s
}

func TestPostgres_InsertMessage_Dedupe_NoIDWaste(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	s := mustTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	th, err := s.EnsureDirectThread(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("ensure thread: %v", err)
	}

	in := InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "it-alice",
		Body:        strptr("hello"),
		ClientMsgID: "it-c-1",
		Now:         time.Now().UTC(),
	}

	first, err := s.InsertMessage(ctx, in)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if first.Duplicated || first.Stored.ID != 1 {
		t.Fatalf("insert first: dup=%v id=%d", first.Duplicated, first.Stored.ID)
	}

	second, err := s.InsertMessage(ctx, in)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if !second.Duplicated || second.Stored.ID != first.Stored.ID {
		t.Fatalf("insert duplicate: dup=%v id=%d want id=%d", second.Duplicated, second.Stored.ID, first.Stored.ID)
	}

	in.ClientMsgID = "it-c-2"
	third, err := s.InsertMessage(ctx, in)
	if err != nil {
		t.Fatalf("insert third: %v", err)
	}
	if third.Stored.ID != 2 {
		t.Fatalf("duplicate burned an id: got %d want 2", third.Stored.ID)
	}

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.LastMessageID != 2 {
		t.Fatalf("cursor not advanced: %d", got.LastMessageID)
	}
}

func TestPostgres_Receipts_MonotoneAndAggregate(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	s := mustTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	th, err := s.EnsureDirectThread(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	res, err := s.InsertMessage(ctx, InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "it-alice",
		Body:        strptr("hello"),
		ClientMsgID: "it-r-1",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgID := res.Stored.ID

	r, err := s.UpsertReceipt(ctx, th.ID, msgID, "it-bob", v1.StatusRead)
	if err != nil {
		t.Fatalf("upsert read: %v", err)
	}
	if r.Status != v1.StatusRead {
		t.Fatalf("expected read, got %s", r.Status)
	}

	r, err = s.UpsertReceipt(ctx, th.ID, msgID, "it-bob", v1.StatusDelivered)
	if err != nil {
		t.Fatalf("upsert delivered: %v", err)
	}
	if r.Status != v1.StatusRead {
		t.Fatalf("downgrade happened: %s", r.Status)
	}

	agg, err := s.AggregateStatus(ctx, th.ID, msgID, "it-alice")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg != v1.StatusRead {
		t.Fatalf("expected read aggregate, got %s", agg)
	}
}

func TestPostgres_ListMessages_Paging(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	s := mustTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	th, err := s.EnsureDirectThread(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	for i := 1; i <= 5; i++ {
		_, err := s.InsertMessage(ctx, InsertMessageInput{
			ThreadID:    th.ID,
			SenderID:    "it-alice",
			Body:        strptr(fmt.Sprintf("m%d", i)),
			ClientMsgID: fmt.Sprintf("it-p-%d", i),
			Now:         time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	fwd, err := s.ListMessages(ctx, th.ID, ListOptions{After: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list forward: %v", err)
	}
	if len(fwd.Messages) != 2 || fwd.Messages[0].ID != 3 || fwd.Messages[1].ID != 4 || !fwd.HasMore {
		t.Fatalf("forward page wrong: %+v hasMore=%v", fwd.Messages, fwd.HasMore)
	}

	back, err := s.ListMessages(ctx, th.ID, ListOptions{Before: 4, Limit: 2})
	if err != nil {
		t.Fatalf("list backward: %v", err)
	}
	if len(back.Messages) != 2 || back.Messages[0].ID != 3 || back.Messages[1].ID != 2 || !back.HasMore {
		t.Fatalf("backward page wrong: %+v hasMore=%v", back.Messages, back.HasMore)
	}
}
