package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/geosync/internal/geosync/config"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
)

func TestStatusSubcommand(t *testing.T) {
	conf := config.Config{MemoryQueueEnabled: true}

	var out bytes.Buffer
	cmd := newStatusSubcommand(&out)
	require.NoError(t, cmd.Exec(cmd.FlagSet(), conf))

	require.Contains(t, out.String(), "STATE")
	require.Contains(t, out.String(), "pending: 0")
	require.Contains(t, out.String(), "synced: 0")
}

func TestStatusSubcommandSQLite(t *testing.T) {
	ctx := context.Background()

	conf := config.Config{}
	conf.SQLite.Path = t.TempDir() + "/geosync.db"

	ds, err := datastore.NewSQLiteDatastore(ctx, conf.SQLite.Path)
	require.NoError(t, err)
	require.NoError(t, ds.MarkPending(ctx, datastore.ObjectAttachment, 42))
	require.NoError(t, ds.Close())

	var out bytes.Buffer
	cmd := newStatusSubcommand(&out)
	require.NoError(t, cmd.Exec(cmd.FlagSet(), conf))

	require.Contains(t, out.String(), "attachment")
	require.Contains(t, out.String(), "42")
	require.Contains(t, out.String(), "pending: 1")
}

func TestSubCommandUnknown(t *testing.T) {
	require.Equal(t, 1, subCommand(config.Config{}, "no-such-command", nil))
}
