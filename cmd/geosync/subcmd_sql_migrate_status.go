package main

import (
	"flag"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"gitlab.com/gitlab-org/geosync/internal/geosync/config"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore/glsql"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func newSQLMigrateStatusSubcommand(writer io.Writer) *sqlMigrateStatusSubcommand {
	return &sqlMigrateStatusSubcommand{w: writer}
}

func (cmd *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (cmd *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	rows, err := glsql.MigrateStatus(db)
	if err != nil {
		return err
	}

	migrationIDs := make([]string, 0, len(rows))
	for id := range rows {
		migrationIDs = append(migrationIDs, id)
	}
	sort.Strings(migrationIDs)

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Migration", "Applied"})

	for _, id := range migrationIDs {
		row := rows[id]

		applied := "no"
		switch {
		case row.Unknown:
			applied = "unknown migration"
		case row.Migrated:
			applied = row.AppliedAt.Format("2006-01-02 15:04:05")
		}

		table.Append([]string{id, applied})
	}

	table.Render()
	return nil
}
