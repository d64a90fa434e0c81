package chat

import "fmt"

// postgresSchemaSQL returns idempotent DDL for the Postgres store.
// The partial unique index is the insert-if-absent guard for the single open
// conversation per player.
func postgresSchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")
	s := pgIdent1(schema)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id                  TEXT PRIMARY KEY,
  player_id           BIGINT NOT NULL CHECK (player_id > 0),
  player_display_name TEXT NOT NULL DEFAULT '',
  counterparty_id     TEXT,
  status              TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'resolved', 'archived')),
  created_at          TIMESTAMPTZ NOT NULL,
  last_message_at     TIMESTAMPTZ NOT NULL,
  resolved_at         TIMESTAMPTZ,
  archived_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_player_open
  ON %[2]s (player_id) WHERE status IN ('waiting', 'active');

CREATE INDEX IF NOT EXISTS idx_conversations_created
  ON %[2]s (created_at, id);

CREATE INDEX IF NOT EXISTS idx_conversations_player_created
  ON %[2]s (player_id, created_at, id);

CREATE INDEX IF NOT EXISTS idx_conversations_status_created
  ON %[2]s (status, created_at, id);

CREATE TABLE IF NOT EXISTS %[3]s (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  client_msg_id       TEXT,
  sender_role         TEXT NOT NULL CHECK (sender_role IN ('player', 'staff')),
  sender_display_name TEXT NOT NULL DEFAULT '',
  body                TEXT NOT NULL CHECK (char_length(body) > 0 AND char_length(body) <= 2000),
  sent_at             TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_client_msg
  ON %[3]s (conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
  ON %[3]s (conversation_id, sent_at, id);
`, s, conversations, messages)
}

// sqliteSchemaSQL is the SQLite variant. Timestamps are stored as unix nanoseconds.
const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
  id                  TEXT PRIMARY KEY,
  player_id           INTEGER NOT NULL CHECK (player_id > 0),
  player_display_name TEXT NOT NULL DEFAULT '',
  counterparty_id     TEXT,
  status              TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'resolved', 'archived')),
  created_at          INTEGER NOT NULL,
  last_message_at     INTEGER NOT NULL,
  resolved_at         INTEGER,
  archived_at         INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_player_open
  ON conversations (player_id) WHERE status IN ('waiting', 'active');

CREATE INDEX IF NOT EXISTS idx_conversations_created
  ON conversations (created_at, id);

CREATE INDEX IF NOT EXISTS idx_conversations_player_created
  ON conversations (player_id, created_at, id);

CREATE TABLE IF NOT EXISTS messages (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  client_msg_id       TEXT,
  sender_role         TEXT NOT NULL CHECK (sender_role IN ('player', 'staff')),
  sender_display_name TEXT NOT NULL DEFAULT '',
  body                TEXT NOT NULL CHECK (length(body) > 0 AND length(body) <= 2000),
  sent_at             INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_client_msg
  ON messages (conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
  ON messages (conversation_id, sent_at, id);
`
