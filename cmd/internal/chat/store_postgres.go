package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Conversation creation is a single INSERT .. ON CONFLICT DO NOTHING against
//     the partial unique index on open conversations.
//   - Appends take a per-conversation advisory lock and lock the conversation
//     row (FOR UPDATE), so sent_at stays strictly increasing and an archive
//     cannot interleave with an append.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chat",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Migrate applies the idempotent schema DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const pgConversationCols = `id, player_id, player_display_name, counterparty_id, status, created_at, last_message_at, resolved_at, archived_at`

const pgMessageCols = `id, conversation_id, client_msg_id, sender_role, sender_display_name, body, sent_at`

// CreateConversation inserts a waiting conversation unless the player already has an open one.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, bool, error) {
	if in.ID == "" || in.PlayerID <= 0 {
		return Conversation{}, false, errors.New("invalid input")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	conversations := pgIdent(s.schema, "conversations")

	// The open conversation found after a conflict can be resolved before we read it;
	// a few rounds are enough to converge.
	for attempt := 0; attempt < 3; attempt++ {
		c, err := scanPGConversation(s.pool.QueryRow(ctx,
			`INSERT INTO `+conversations+` (id, player_id, player_display_name, status, created_at, last_message_at)
			 VALUES ($1, $2, $3, 'waiting', $4, $4)
			 ON CONFLICT (player_id) WHERE status IN ('waiting', 'active') DO NOTHING
			 RETURNING `+pgConversationCols,
			in.ID, in.PlayerID, in.DisplayName, now,
		))
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, false, err
		}

		c, err = scanPGConversation(s.pool.QueryRow(ctx,
			`SELECT `+pgConversationCols+` FROM `+conversations+`
			  WHERE player_id = $1 AND status IN ('waiting', 'active')`,
			in.PlayerID,
		))
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, false, err
		}
	}
	return Conversation{}, false, errors.New("chat: open conversation churn")
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanPGConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationCols+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, err
}

// UpdateConversationStatus applies a compare-and-set status change.
func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	conversations := pgIdent(s.schema, "conversations")

	var resolvedAt, archivedAt *time.Time
	switch in.To {
	case StatusResolved:
		resolvedAt = &now
	case StatusArchived:
		archivedAt = &now
	}

	c, err := scanPGConversation(s.pool.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET status          = $3,
		        counterparty_id = COALESCE($4::text, counterparty_id),
		        resolved_at     = COALESCE($5::timestamptz, resolved_at),
		        archived_at     = COALESCE($6::timestamptz, archived_at)
		  WHERE id = $1 AND status = $2
		RETURNING `+pgConversationCols,
		in.ConversationID, string(in.From), string(in.To), in.CounterpartyID, resolvedAt, archivedAt,
	))
	if err == nil {
		return c, nil
	}
	if isUniqueViolation(err) {
		return Conversation{}, errStaleStatus
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return Conversation{}, err
	}
	return Conversation{}, errStaleStatus
}

// ArchivePlayerConversations archives every conversation of a player in one transaction.
func (s *PostgresStore) ArchivePlayerConversations(ctx context.Context, in ArchiveInput) (ArchiveResult, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return ArchiveResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev := make(map[string]Status)
	rows, err := tx.Query(ctx,
		`SELECT id, status FROM `+conversations+`
		  WHERE player_id = $1 AND status <> 'archived'
		  FOR UPDATE`,
		in.PlayerID,
	)
	if err != nil {
		return ArchiveResult{}, err
	}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return ArchiveResult{}, err
		}
		prev[id] = Status(status)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ArchiveResult{}, err
	}

	rows, err = tx.Query(ctx,
		`UPDATE `+conversations+`
		    SET status = 'archived', archived_at = $2
		  WHERE player_id = $1 AND status <> 'archived'
		RETURNING `+pgConversationCols,
		in.PlayerID, now,
	)
	if err != nil {
		return ArchiveResult{}, err
	}
	var res ArchiveResult
	for rows.Next() {
		c, err := scanPGConversation(rows)
		if err != nil {
			rows.Close()
			return ArchiveResult{}, err
		}
		res.Changed = append(res.Changed, ArchivedConversation{Conversation: c, PreviousStatus: prev[c.ID]})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ArchiveResult{}, err
	}
	res.Archived = int64(len(res.Changed))

	if in.HardDelete {
		tag, err := tx.Exec(ctx,
			`DELETE FROM `+messages+`
			  WHERE conversation_id IN (SELECT id FROM `+conversations+` WHERE player_id = $1)`,
			in.PlayerID,
		)
		if err != nil {
			return ArchiveResult{}, err
		}
		res.PurgedMessages = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return ArchiveResult{}, err
	}
	return res, nil
}

// PurgeArchived deletes conversations archived before the cutoff (messages cascade).
func (s *PostgresStore) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE status = 'archived' AND archived_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendMessage appends a message with idempotency and monotonic sent_at allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ID == "" || in.ConversationID == "" || !in.SenderRole.Valid() {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize appends per conversation; this also serializes sent_at allocation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanPGConversation(tx.QueryRow(ctx,
		`SELECT `+pgConversationCols+` FROM `+conversations+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, ErrConversationNotFound
	}
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock conversation: %w", err)
	}
	if conv.Status == StatusArchived {
		return AppendMessageResult{}, ErrConversationArchived
	}

	if in.ClientMsgID != "" {
		existing, err := scanPGMessage(tx.QueryRow(ctx,
			`SELECT `+pgMessageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Conversation: conv, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	sentAt := nextSentAt(now, conv.LastMessageAt)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+pgMessageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.ConversationID, nullString(in.ClientMsgID), string(in.SenderRole), in.SenderDisplayName, in.Body, sentAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	conv, err = scanPGConversation(tx.QueryRow(ctx,
		`UPDATE `+conversations+` SET last_message_at = $2 WHERE id = $1 RETURNING `+pgConversationCols,
		in.ConversationID, sentAt,
	))
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
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
func (s *PostgresStore) FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
	if in.ConversationID == "" {
		return FetchMessagesResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchMessagesResult{}, err
	}
	limit := clampLimit(in.Limit)
	fetch := limit + 1

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, in.ConversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return FetchMessagesResult{}, ErrConversationNotFound
	}
	if err != nil {
		return FetchMessagesResult{}, err
	}

	var rows pgx.Rows
	if in.AfterID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+` FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY sent_at ASC, id ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		var afterTS time.Time
		err = s.pool.QueryRow(ctx,
			`SELECT sent_at FROM `+messages+` WHERE id = $1 AND conversation_id = $2`,
			in.AfterID, in.ConversationID,
		).Scan(&afterTS)
		if errors.Is(err, pgx.ErrNoRows) {
			return FetchMessagesResult{}, invalidInput("chat.FetchMessages", "unknown after_id")
		}
		if err != nil {
			return FetchMessagesResult{}, err
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND (sent_at, id) > ($2, $3)
			  ORDER BY sent_at ASC, id ASC
			  LIMIT $4`,
			in.ConversationID, afterTS, in.AfterID, fetch,
		)
	}
	if err != nil {
		return FetchMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanPGMessage(rows)
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
func (s *PostgresStore) FetchConversations(ctx context.Context, in FetchConversationsInput) (FetchConversationsResult, error) {
	limit := clampLimit(in.Limit)
	conversations := pgIdent(s.schema, "conversations")

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if in.PlayerID != nil {
		conds = append(conds, "player_id = "+arg(*in.PlayerID))
	}
	if in.Status != "" {
		conds = append(conds, "status = "+arg(string(in.Status)))
	}
	if in.AfterID != "" {
		var afterTS time.Time
		err := s.pool.QueryRow(ctx, `SELECT created_at FROM `+conversations+` WHERE id = $1`, in.AfterID).Scan(&afterTS)
		if errors.Is(err, pgx.ErrNoRows) {
			return FetchConversationsResult{}, invalidInput("chat.FetchConversations", "unknown after_id")
		}
		if err != nil {
			return FetchConversationsResult{}, err
		}
		conds = append(conds, "(created_at, id) > ("+arg(afterTS)+", "+arg(in.AfterID)+")")
	}

	q := `SELECT ` + pgConversationCols + ` FROM ` + conversations
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ` + arg(limit+1)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return FetchConversationsResult{}, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit+1)
	for rows.Next() {
		c, err := scanPGConversation(rows)
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

func scanPGConversation(row pgx.Row) (Conversation, error) {
	var (
		c            Conversation
		counterparty *string
		status       string
	)
	if err := row.Scan(
		&c.ID,
		&c.PlayerID,
		&c.PlayerDisplayName,
		&counterparty,
		&status,
		&c.CreatedAt,
		&c.LastMessageAt,
		&c.ResolvedAt,
		&c.ArchivedAt,
	); err != nil {
		return Conversation{}, err
	}
	if counterparty != nil {
		c.CounterpartyID = *counterparty
	}
	c.Status = Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.ResolvedAt = utcPtr(c.ResolvedAt)
	c.ArchivedAt = utcPtr(c.ArchivedAt)
	return c, nil
}

func scanPGMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		clientID *string
		role     string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &clientID, &role, &m.SenderDisplayName, &m.Body, &m.SentAt); err != nil {
		return Message{}, err
	}
	if clientID != nil {
		m.ClientMsgID = *clientID
	}
	m.SenderRole = Role(role)
	m.SentAt = m.SentAt.UTC()
	m.DeliveryState = DeliveryAccepted
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIdent1(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
