package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250312094612_blob_registry_table",
		Up: []string{`
CREATE TABLE blob_registry (
	object_kind TEXT NOT NULL,
	object_id BIGINT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_at TIMESTAMP WITHOUT TIME ZONE,
	last_synced_at TIMESTAMP WITHOUT TIME ZONE,
	last_sync_failure TEXT,
	verification_checksum TEXT,
	last_verification_failure TEXT,
	checksum_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
	resync BOOLEAN NOT NULL DEFAULT FALSE,
	missing_on_primary BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (object_kind, object_id)
)`,
			"CREATE INDEX blob_registry_state_idx ON blob_registry (state)",
		},
		Down: []string{"DROP TABLE blob_registry"},
	}

	allMigrations = append(allMigrations, m)
}
