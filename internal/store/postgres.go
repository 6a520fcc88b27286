package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "relay/contracts/dm/v1"
)

// Postgres is a Store backed by PostgreSQL.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - InsertMessage serializes writes per thread with a transactional
//   advisory lock so id allocation is strictly monotone and duplicates
//   never waste ids.
// - The (thread_id, client_msg_id) uniqueness constraint is the dedup
//   boundary even if the advisory lock is ever bypassed.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Store.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

const statusRankSQL = `CASE %s WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

func rankOf(col string) string { return fmt.Sprintf(statusRankSQL, col) }

// EnsureDirectThread returns the direct thread between two users, creating
// it (with both participant rows) on first contact.
func (s *Postgres) EnsureDirectThread(ctx context.Context, userA, userB string) (Thread, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Thread{}, fmt.Errorf("%w: invalid participant pair", ErrInvalidInput)
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	if err := ctx.Err(); err != nil {
		return Thread{}, err
	}

	threads := pgIdent(s.schema, "threads")
	participants := pgIdent(s.schema, "thread_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Thread{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+threads+` (user_a, user_b) VALUES ($1, $2)
		 ON CONFLICT (user_a, user_b) DO NOTHING`,
		userA, userB,
	); err != nil {
		return Thread{}, err
	}

	var t Thread
	var lastAt *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT id, last_message_id, last_message_at, created_at
		   FROM `+threads+`
		  WHERE user_a = $1 AND user_b = $2`,
		userA, userB,
	).Scan(&t.ID, &t.LastMessageID, &lastAt, &t.CreatedAt); err != nil {
		return Thread{}, err
	}
	t.LastMessageAt = lastAt
	t.Participants = []string{userA, userB}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (thread_id, user_id) VALUES ($1, $2), ($1, $3)
		 ON CONFLICT (thread_id, user_id) DO NOTHING`,
		t.ID, userA, userB,
	); err != nil {
		return Thread{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *Postgres) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	threads := pgIdent(s.schema, "threads")
	participants := pgIdent(s.schema, "thread_participants")

	var t Thread
	var lastAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, last_message_id, last_message_at, created_at
		   FROM `+threads+` WHERE id = $1`,
		threadID,
	).Scan(&t.ID, &t.LastMessageID, &lastAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	t.LastMessageAt = lastAt

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+participants+` WHERE thread_id = $1 ORDER BY user_id`,
		threadID,
	)
	if err != nil {
		return Thread{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return Thread{}, err
		}
		t.Participants = append(t.Participants, uid)
	}
	return t, rows.Err()
}

func (s *Postgres) IsParticipant(ctx context.Context, threadID int64, userID string) (bool, error) {
	if threadID <= 0 || strings.TrimSpace(userID) == "" {
		return false, nil
	}
	participants := pgIdent(s.schema, "thread_participants")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) Participants(ctx context.Context, threadID int64) ([]Participant, error) {
	participants := pgIdent(s.schema, "thread_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, user_id, muted, archived, joined_at
		   FROM `+participants+` WHERE thread_id = $1 ORDER BY user_id`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.Muted, &p.Archived, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// InsertMessage appends a message with idempotency, monotone id allocation,
// and a thread-cursor advance, all in one transaction.
func (s *Postgres) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	if s == nil || s.pool == nil {
		return InsertMessageResult{}, errors.New("store: nil store")
	}
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

	attachments, err := json.Marshal(in.Attachments)
	if err != nil {
		return InsertMessageResult{}, fmt.Errorf("%w: attachments: %v", ErrInvalidInput, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return InsertMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	threads := pgIdent(s.schema, "threads")
	cursors := pgIdent(s.schema, "thread_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per thread: no id waste for duplicates, strict
	// monotone ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, in.ThreadID); err != nil {
		return InsertMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ThreadID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return InsertMessageResult{}, err
		}
		return InsertMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return InsertMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (thread_id, next_msg_id)
		 VALUES ($1, 1)
		 ON CONFLICT (thread_id) DO NOTHING`,
		in.ThreadID,
	); err != nil {
		return InsertMessageResult{}, err
	}

	var msgID int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_msg_id = next_msg_id + 1,
		        updated_at = now()
		  WHERE thread_id = $1
		RETURNING (next_msg_id - 1)`,
		in.ThreadID,
	).Scan(&msgID); err != nil {
		return InsertMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     thread_id, id, client_msg_id, sender_id, kind, body, attachments, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ThreadID, msgID, in.ClientMsgID, in.SenderID, string(kind), in.Body, attachments, now,
	); err != nil {
		return InsertMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+threads+`
		    SET last_message_id = GREATEST(last_message_id, $2),
		        last_message_at = $3
		  WHERE id = $1`,
		in.ThreadID, msgID, now,
	); err != nil {
		return InsertMessageResult{}, fmt.Errorf("advance thread cursor: %w", err)
	}

	out := Message{
		ThreadID:    in.ThreadID,
		ID:          msgID,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		Kind:        kind,
		Body:        in.Body,
		Attachments: in.Attachments,
		CreatedAt:   now,
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertMessageResult{}, err
	}
	return InsertMessageResult{Stored: out, Duplicated: false}, nil
}

func (s *Postgres) GetMessage(ctx context.Context, threadID, messageID int64) (Message, error) {
	messages := pgIdent(s.schema, "messages")
	m, err := scanMessage(s.pool.QueryRow(ctx,
		messageColumns+` FROM `+messages+` WHERE thread_id = $1 AND id = $2`,
		threadID, messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages pages by id: Before > 0 walks backward newest-first,
// otherwise forward oldest-first from After.
func (s *Postgres) ListMessages(ctx context.Context, threadID int64, opt ListOptions) (ListResult, error) {
	if threadID <= 0 {
		return ListResult{}, fmt.Errorf("%w: missing thread_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampLimit(opt.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if opt.Before > 0 {
		rows, err = s.pool.Query(ctx,
			messageColumns+` FROM `+messages+`
			  WHERE thread_id = $1 AND id < $2
			  ORDER BY id DESC
			  LIMIT $3`,
			threadID, opt.Before, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			messageColumns+` FROM `+messages+`
			  WHERE thread_id = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`,
			threadID, opt.After, fetch,
		)
	}
	if err != nil {
		return ListResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *Postgres) UpdateThreadCursor(ctx context.Context, threadID, lastMessageID int64, lastMessageAt time.Time) error {
	threads := pgIdent(s.schema, "threads")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+threads+`
		    SET last_message_id = GREATEST(last_message_id, $2),
		        last_message_at = GREATEST(coalesce(last_message_at, 'epoch'::timestamptz), $3)
		  WHERE id = $1`,
		threadID, lastMessageID, lastMessageAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertReceipt records a delivery state for one (message, user). Upgrades
// only; a concurrent downgrade attempt returns the existing row.
func (s *Postgres) UpsertReceipt(ctx context.Context, threadID, messageID int64, userID string, status v1.ReceiptStatus) (Receipt, error) {
	if !status.Valid() {
		return Receipt{}, fmt.Errorf("%w: bad status %q", ErrInvalidInput, status)
	}
	receipts := pgIdent(s.schema, "receipts")

	var r Receipt
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+receipts+` (thread_id, message_id, user_id, status, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (thread_id, message_id, user_id) DO UPDATE
		    SET status = EXCLUDED.status, updated_at = now()
		  WHERE `+rankOf("receipts.status")+` < `+rankOf("EXCLUDED.status")+`
		 RETURNING thread_id, message_id, user_id, status, updated_at`,
		threadID, messageID, userID, string(status),
	).Scan(&r.ThreadID, &r.MessageID, &r.UserID, &r.Status, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Downgrade ignored; report the row that won.
		err = s.pool.QueryRow(ctx,
			`SELECT thread_id, message_id, user_id, status, updated_at
			   FROM `+receipts+`
			  WHERE thread_id = $1 AND message_id = $2 AND user_id = $3`,
			threadID, messageID, userID,
		).Scan(&r.ThreadID, &r.MessageID, &r.UserID, &r.Status, &r.UpdatedAt)
	}
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (s *Postgres) AggregateStatus(ctx context.Context, threadID, messageID int64, senderID string) (v1.ReceiptStatus, error) {
	participants := pgIdent(s.schema, "thread_participants")
	receipts := pgIdent(s.schema, "receipts")

	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(r.status, 'sent')
		   FROM `+participants+` p
		   LEFT JOIN `+receipts+` r
		     ON r.thread_id = p.thread_id AND r.message_id = $2 AND r.user_id = p.user_id
		  WHERE p.thread_id = $1 AND p.user_id <> $3`,
		threadID, messageID, senderID,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var statuses []v1.ReceiptStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return "", err
		}
		statuses = append(statuses, v1.ReceiptStatus(st))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return AggregateReceiptStatus(statuses), nil
}

func (s *Postgres) MarkReadUpTo(ctx context.Context, threadID int64, userID string, messageID int64) (int, error) {
	messages := pgIdent(s.schema, "messages")
	receipts := pgIdent(s.schema, "receipts")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+receipts+` (thread_id, message_id, user_id, status, updated_at)
		 SELECT m.thread_id, m.id, $2, 'read', now()
		   FROM `+messages+` m
		  WHERE m.thread_id = $1 AND m.id <= $3 AND m.sender_id <> $2
		 ON CONFLICT (thread_id, message_id, user_id) DO UPDATE
		    SET status = 'read', updated_at = now()
		  WHERE `+rankOf("receipts.status")+` < 3`,
		threadID, userID, messageID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) SetMuted(ctx context.Context, threadID int64, userID string, muted bool) error {
	return s.setParticipantFlag(ctx, threadID, userID, "muted", muted)
}

func (s *Postgres) SetArchived(ctx context.Context, threadID int64, userID string, archived bool) error {
	return s.setParticipantFlag(ctx, threadID, userID, "archived", archived)
}

func (s *Postgres) setParticipantFlag(ctx context.Context, threadID int64, userID, column string, value bool) error {
	if !isValidPGIdent(column) {
		return fmt.Errorf("%w: bad column", ErrInvalidInput)
	}
	participants := pgIdent(s.schema, "thread_participants")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+participants+` SET `+column+` = $3 WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID, value,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (s *Postgres) BlockUser(ctx context.Context, userID, blockedID string) error {
	if userID == "" || blockedID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	blocks := pgIdent(s.schema, "user_blocks")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+blocks+` (user_id, blocked_user_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, blocked_user_id) DO NOTHING`,
		userID, blockedID,
	)
	return err
}

func (s *Postgres) UnblockUser(ctx context.Context, userID, blockedID string) error {
	blocks := pgIdent(s.schema, "user_blocks")
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+blocks+` WHERE user_id = $1 AND blocked_user_id = $2`,
		userID, blockedID,
	)
	return err
}

// IsBlocked reports whether either side has blocked the other.
func (s *Postgres) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	blocks := pgIdent(s.schema, "user_blocks")
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+blocks+`
		  WHERE (user_id = $1 AND blocked_user_id = $2)
		     OR (user_id = $2 AND blocked_user_id = $1)
		  LIMIT 1`,
		userID, otherID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const messageColumns = `SELECT thread_id, id, client_msg_id, sender_id, kind, body, attachments, created_at, edited_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		kind        string
		attachments []byte
	)
	if err := row.Scan(
		&m.ThreadID,
		&m.ID,
		&m.ClientMsgID,
		&m.SenderID,
		&kind,
		&m.Body,
		&attachments,
		&m.CreatedAt,
		&m.EditedAt,
		&m.DeletedAt,
	); err != nil {
		return Message{}, err
	}
	m.Kind = v1.MessageKind(kind)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return m, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, threadID int64, clientMsgID string) (Message, error) {
	return scanMessage(tx.QueryRow(ctx,
		messageColumns+` FROM `+messagesTable+` WHERE thread_id = $1 AND client_msg_id = $2`,
		threadID, clientMsgID,
	))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*Postgres)(nil)
