package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gitlab.com/gitlab-org/geosync/internal/geosync/config"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore/glsql"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

const openDBTimeout = 30 * time.Second

var subcommands = map[string]subcmd{
	sqlPingCmdName:          &sqlPingSubcommand{},
	sqlMigrateCmdName:       newSQLMigrateSubcommand(os.Stdout),
	sqlMigrateStatusCmdName: newSQLMigrateStatusSubcommand(os.Stdout),
	statusCmdName:           newStatusSubcommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

func openDB(conf config.DB) (*sql.DB, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), openDBTimeout)
	defer cancel()

	db, err := glsql.OpenDB(ctx, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %v", err)
	}

	clean := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}

	return db, clean, nil
}

// nodeStores bundles the three datastore interfaces a node runs on, backed
// by memory, SQLite or Postgres depending on configuration.
type nodeStores struct {
	events   datastore.EventLog
	cursors  datastore.CursorStore
	registry datastore.Registry
	close    func()
}

func openStores(ctx context.Context, conf config.Config) (nodeStores, error) {
	switch {
	case conf.MemoryQueueEnabled:
		logger.Warn("using the in-memory datastore, replication state will not survive a restart")
		return nodeStores{
			events:   datastore.NewMemoryEventLog(),
			cursors:  datastore.NewMemoryCursorStore(),
			registry: datastore.NewMemoryRegistry(),
			close:    func() {},
		}, nil

	case conf.SQLite.Path != "":
		ds, err := datastore.NewSQLiteDatastore(ctx, conf.SQLite.Path)
		if err != nil {
			return nodeStores{}, fmt.Errorf("opening sqlite datastore: %w", err)
		}
		return nodeStores{
			events:   ds,
			cursors:  ds,
			registry: ds,
			close: func() {
				if err := ds.Close(); err != nil {
					logger.WithError(err).Error("closing sqlite datastore")
				}
			},
		}, nil

	case conf.DB.Host != "" || conf.DB.DBName != "":
		openCtx, cancel := context.WithTimeout(ctx, openDBTimeout)
		defer cancel()

		db, err := glsql.OpenDB(openCtx, conf.DB)
		if err != nil {
			return nodeStores{}, fmt.Errorf("opening postgres: %w", err)
		}
		return nodeStores{
			events:   datastore.NewPostgresEventLog(db),
			cursors:  datastore.NewPostgresCursorStore(db),
			registry: datastore.NewPostgresRegistry(db),
			close: func() {
				if err := db.Close(); err != nil {
					logger.WithError(err).Error("closing postgres connection")
				}
			},
		}, nil

	default:
		return nodeStores{}, errors.New("no datastore configured: set [database], [sqlite] or memory_queue_enabled")
	}
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
