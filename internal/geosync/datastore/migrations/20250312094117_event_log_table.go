package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250312094117_event_log_table",
		Up: []string{`
CREATE TABLE event_log (
	sequence_id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW()
)`},
		Down: []string{"DROP TABLE event_log"},
	}

	allMigrations = append(allMigrations, m)
}
