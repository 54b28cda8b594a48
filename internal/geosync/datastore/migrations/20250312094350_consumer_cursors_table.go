package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250312094350_consumer_cursors_table",
		Up: []string{`
CREATE TABLE consumer_cursors (
	consumer TEXT PRIMARY KEY,
	position BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW()
)`},
		Down: []string{"DROP TABLE consumer_cursors"},
	}

	allMigrations = append(allMigrations, m)
}
