package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
)

// Baseline is the schema and seed data every deployment converges to:
// account storage, conversation tables for the application, and a settings
// table the application reads at startup. The admin identity is upserted by
// its handle, so reruns refresh its credential without duplicating the row.
func Baseline(domain, adminHandle, adminSecret string) []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "core_schema",
			Ops: []Op{
				EnsureTable{
					Table: "users",
					Columns: []Column{
						{Name: "handle", Type: "text PRIMARY KEY"},
						{Name: "password_hash", Type: "text NOT NULL"},
						{Name: "role", Type: "text NOT NULL DEFAULT 'member'"},
						{Name: "created_at", Type: "timestamptz NOT NULL DEFAULT now()"},
					},
				},
				EnsureTable{
					Table: "conversations",
					Columns: []Column{
						{Name: "id", Type: "uuid PRIMARY KEY"},
						{Name: "user_handle", Type: "text NOT NULL"},
						{Name: "title", Type: "text"},
						{Name: "created_at", Type: "timestamptz NOT NULL DEFAULT now()"},
					},
				},
				EnsureIndex{
					Name:    "conversations_user_idx",
					Table:   "conversations",
					Columns: []string{"user_handle"},
				},
				EnsureTable{
					Table: "settings",
					Columns: []Column{
						{Name: "key", Type: "text PRIMARY KEY"},
						{Name: "value", Type: "text NOT NULL"},
					},
				},
			},
		},
		{
			Version: 2,
			Name:    "message_archive",
			Ops: []Op{
				EnsureTable{
					Table: "messages",
					Columns: []Column{
						{Name: "id", Type: "uuid PRIMARY KEY"},
						{Name: "conversation_id", Type: "uuid NOT NULL"},
						{Name: "body", Type: "text NOT NULL"},
						{Name: "created_at", Type: "timestamptz NOT NULL DEFAULT now()"},
					},
				},
				EnsureIndex{
					Name:    "messages_conversation_idx",
					Table:   "messages",
					Columns: []string{"conversation_id"},
				},
				// Older installs predate the role column.
				EnsureColumn{Table: "users", Column: Column{Name: "role", Type: "text NOT NULL DEFAULT 'member'"}},
			},
		},
		{
			Version: 3,
			Name:    "seed_baseline",
			Ops: []Op{
				UpsertRow{
					Table:      "users",
					KeyColumns: []string{"handle"},
					Row: map[string]string{
						"handle":        adminHandle,
						"password_hash": hashSecret(adminSecret),
						"role":          "admin",
					},
				},
				UpsertRow{
					Table:      "settings",
					KeyColumns: []string{"key"},
					Row:        map[string]string{"key": "domain", "value": domain},
				},
			},
		},
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
