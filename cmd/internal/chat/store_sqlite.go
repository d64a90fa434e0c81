package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a Store backed by SQLite (modernc.org/sqlite, no cgo).
//
// The store owns its *sql.DB. A single open connection serializes writers,
// which gives the same guarantees the Postgres store gets from row locks.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at dsn and applies the schema.
// Use "file::memory:" for a private in-memory database.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("chat: empty sqlite dsn")
	}
	db, err := sql.Open("sqlite", withSQLitePragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("chat: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chat: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chat: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func withSQLitePragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const sqlConversationCols = `id, player_id, player_display_name, counterparty_id, status, created_at, last_message_at, resolved_at, archived_at`

const sqlMessageCols = `id, conversation_id, client_msg_id, sender_role, sender_display_name, body, sent_at`

// CreateConversation inserts a waiting conversation unless the player already has an open one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, bool, error) {
	if in.ID == "" || in.PlayerID <= 0 {
		return Conversation{}, false, errors.New("invalid input")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	c, err := scanSQLConversation(s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, player_id, player_display_name, status, created_at, last_message_at)
		 VALUES (?, ?, ?, 'waiting', ?, ?)
		 ON CONFLICT (player_id) WHERE status IN ('waiting', 'active') DO NOTHING
		 RETURNING `+sqlConversationCols,
		in.ID, in.PlayerID, in.DisplayName, now.UnixNano(), now.UnixNano(),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, err
	}

	c, err = scanSQLConversation(s.db.QueryRowContext(ctx,
		`SELECT `+sqlConversationCols+` FROM conversations
		  WHERE player_id = ? AND status IN ('waiting', 'active')`,
		in.PlayerID,
	))
	if err != nil {
		return Conversation{}, false, err
	}
	return c, false, nil
}

// GetConversation returns a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanSQLConversation(s.db.QueryRowContext(ctx,
		`SELECT `+sqlConversationCols+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, err
}

// UpdateConversationStatus applies a compare-and-set status change.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var resolvedAt, archivedAt sql.NullInt64
	switch in.To {
	case StatusResolved:
		resolvedAt = sql.NullInt64{Int64: now.UnixNano(), Valid: true}
	case StatusArchived:
		archivedAt = sql.NullInt64{Int64: now.UnixNano(), Valid: true}
	}
	var counterparty sql.NullString
	if in.CounterpartyID != nil {
		counterparty = sql.NullString{String: *in.CounterpartyID, Valid: true}
	}

	c, err := scanSQLConversation(s.db.QueryRowContext(ctx,
		`UPDATE conversations
		    SET status          = ?,
		        counterparty_id = COALESCE(?, counterparty_id),
		        resolved_at     = COALESCE(?, resolved_at),
		        archived_at     = COALESCE(?, archived_at)
		  WHERE id = ? AND status = ?
		RETURNING `+sqlConversationCols,
		string(in.To), counterparty, resolvedAt, archivedAt, in.ConversationID, string(in.From),
	))
	if err == nil {
		return c, nil
	}
	if isSQLiteConstraint(err) {
		return Conversation{}, errStaleStatus
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, err
	}
	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return Conversation{}, err
	}
	return Conversation{}, errStaleStatus
}

// ArchivePlayerConversations archives every conversation of a player in one transaction.
func (s *SQLiteStore) ArchivePlayerConversations(ctx context.Context, in ArchiveInput) (ArchiveResult, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := sqlOpenStatuses(ctx, tx, in.PlayerID)
	if err != nil {
		return ArchiveResult{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE conversations SET status = 'archived', archived_at = ?
		  WHERE player_id = ? AND status <> 'archived'
		RETURNING `+sqlConversationCols,
		now.UnixNano(), in.PlayerID,
	)
	if err != nil {
		return ArchiveResult{}, err
	}
	var res ArchiveResult
	for rows.Next() {
		c, err := scanSQLConversation(rows)
		if err != nil {
			_ = rows.Close()
			return ArchiveResult{}, err
		}
		res.Changed = append(res.Changed, ArchivedConversation{Conversation: c, PreviousStatus: prev[c.ID]})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return ArchiveResult{}, err
	}
	_ = rows.Close()
	res.Archived = int64(len(res.Changed))

	if in.HardDelete {
		r, err := tx.ExecContext(ctx,
			`DELETE FROM messages
			  WHERE conversation_id IN (SELECT id FROM conversations WHERE player_id = ?)`,
			in.PlayerID,
		)
		if err != nil {
			return ArchiveResult{}, err
		}
		if res.PurgedMessages, err = r.RowsAffected(); err != nil {
			return ArchiveResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, err
	}
	return res, nil
}

// sqlOpenStatuses maps each not yet archived conversation of a player to its status.
func sqlOpenStatuses(ctx context.Context, tx *sql.Tx, playerID int64) (map[string]Status, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, status FROM conversations WHERE player_id = ? AND status <> 'archived'`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Status)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = Status(status)
	}
	return out, rows.Err()
}

// PurgeArchived deletes conversations archived before the cutoff (messages cascade).
func (s *SQLiteStore) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE status = 'archived' AND archived_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

// AppendMessage appends a message with idempotency and monotonic sent_at allocation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ID == "" || in.ConversationID == "" || !in.SenderRole.Valid() {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := scanSQLConversation(tx.QueryRowContext(ctx,
		`SELECT `+sqlConversationCols+` FROM conversations WHERE id = ?`, in.ConversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return AppendMessageResult{}, ErrConversationNotFound
	}
	if err != nil {
		return AppendMessageResult{}, err
	}
	if conv.Status == StatusArchived {
		return AppendMessageResult{}, ErrConversationArchived
	}

	if in.ClientMsgID != "" {
		existing, err := scanSQLMessage(tx.QueryRowContext(ctx,
			`SELECT `+sqlMessageCols+` FROM messages WHERE conversation_id = ? AND client_msg_id = ?`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			return AppendMessageResult{Stored: existing, Conversation: conv, Duplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	sentAt := nextSentAt(now, conv.LastMessageAt)

	var clientID sql.NullString
	if in.ClientMsgID != "" {
		clientID = sql.NullString{String: in.ClientMsgID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+sqlMessageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ConversationID, clientID, string(in.SenderRole), in.SenderDisplayName, in.Body, sentAt.UnixNano(),
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	conv, err = scanSQLConversation(tx.QueryRowContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? RETURNING `+sqlConversationCols,
		sentAt.UnixNano(), in.ConversationID,
	))
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{
		Stored: Message{
			ID:                in.ID,
			ConversationID:    in.ConversationID,
			ClientMsgID:       in.ClientMsgID,
			SenderRole:        in.SenderRole,
			SenderDisplayName: in.SenderDisplayName,
			Body:              in.Body,
			SentAt:            sentAt,
			DeliveryState:     DeliveryAccepted,
		},
		Conversation: conv,
	}, nil
}

// FetchMessages returns messages ordered by (sent_at, id), with optional paging by AfterID.
func (s *SQLiteStore) FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
	if in.ConversationID == "" {
		return FetchMessagesResult{}, errors.New("missing conversation_id")
	}
	limit := clampLimit(in.Limit)

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, in.ConversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return FetchMessagesResult{}, ErrConversationNotFound
	}
	if err != nil {
		return FetchMessagesResult{}, err
	}

	var rows *sql.Rows
	if in.AfterID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sqlMessageCols+` FROM messages
			  WHERE conversation_id = ?
			  ORDER BY sent_at ASC, id ASC
			  LIMIT ?`,
			in.ConversationID, limit+1,
		)
	} else {
		var afterTS int64
		err = s.db.QueryRowContext(ctx,
			`SELECT sent_at FROM messages WHERE id = ? AND conversation_id = ?`,
			in.AfterID, in.ConversationID,
		).Scan(&afterTS)
		if errors.Is(err, sql.ErrNoRows) {
			return FetchMessagesResult{}, invalidInput("chat.FetchMessages", "unknown after_id")
		}
		if err != nil {
			return FetchMessagesResult{}, err
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sqlMessageCols+` FROM messages
			  WHERE conversation_id = ? AND (sent_at > ? OR (sent_at = ? AND id > ?))
			  ORDER BY sent_at ASC, id ASC
			  LIMIT ?`,
			in.ConversationID, afterTS, afterTS, in.AfterID, limit+1,
		)
	}
	if err != nil {
		return FetchMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanSQLMessage(rows)
		if err != nil {
			return FetchMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// FetchConversations returns conversations ordered by (created_at, id).
func (s *SQLiteStore) FetchConversations(ctx context.Context, in FetchConversationsInput) (FetchConversationsResult, error) {
	limit := clampLimit(in.Limit)

	var (
		conds []string
		args  []any
	)
	if in.PlayerID != nil {
		conds = append(conds, "player_id = ?")
		args = append(args, *in.PlayerID)
	}
	if in.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(in.Status))
	}
	if in.AfterID != "" {
		var afterTS int64
		err := s.db.QueryRowContext(ctx, `SELECT created_at FROM conversations WHERE id = ?`, in.AfterID).Scan(&afterTS)
		if errors.Is(err, sql.ErrNoRows) {
			return FetchConversationsResult{}, invalidInput("chat.FetchConversations", "unknown after_id")
		}
		if err != nil {
			return FetchConversationsResult{}, err
		}
		conds = append(conds, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, afterTS, afterTS, in.AfterID)
	}

	q := `SELECT ` + sqlConversationCols + ` FROM conversations`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return FetchConversationsResult{}, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit+1)
	for rows.Next() {
		c, err := scanSQLConversation(rows)
		if err != nil {
			return FetchConversationsResult{}, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return FetchConversationsResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchConversationsResult{Conversations: out, HasMore: hasMore}, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLConversation(row sqlScanner) (Conversation, error) {
	var (
		c                        Conversation
		counterparty             sql.NullString
		status                   string
		createdAt, lastMessageAt int64
		resolvedAt, archivedAt   sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.PlayerID,
		&c.PlayerDisplayName,
		&counterparty,
		&status,
		&createdAt,
		&lastMessageAt,
		&resolvedAt,
		&archivedAt,
	); err != nil {
		return Conversation{}, err
	}
	c.CounterpartyID = counterparty.String
	c.Status = Status(status)
	c.CreatedAt = fromUnixNano(createdAt)
	c.LastMessageAt = fromUnixNano(lastMessageAt)
	if resolvedAt.Valid {
		t := fromUnixNano(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	if archivedAt.Valid {
		t := fromUnixNano(archivedAt.Int64)
		c.ArchivedAt = &t
	}
	return c, nil
}

func scanSQLMessage(row sqlScanner) (Message, error) {
	var (
		m        Message
		clientID sql.NullString
		role     string
		sentAt   int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &clientID, &role, &m.SenderDisplayName, &m.Body, &sentAt); err != nil {
		return Message{}, err
	}
	m.ClientMsgID = clientID.String
	m.SenderRole = Role(role)
	m.SentAt = fromUnixNano(sentAt)
	m.DeliveryState = DeliveryAccepted
	return m, nil
}

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// isSQLiteConstraint reports a constraint violation, with or without extended codes.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
