package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"gitlab.com/gitlab-org/geosync/internal/geosync/config"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
)

const statusCmdName = "status"

type statusSubcommand struct {
	w     io.Writer
	kind  string
	limit int
}

func newStatusSubcommand(writer io.Writer) *statusSubcommand {
	return &statusSubcommand{w: writer}
}

func (cmd *statusSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(statusCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.kind, "kind", "", "only show objects of this kind")
	flags.IntVar(&cmd.limit, "limit", 0, "maximum number of rows to print (0 prints all)")
	return flags
}

func (cmd *statusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	ctx := context.Background()

	stores, err := openStores(ctx, conf)
	if err != nil {
		return err
	}
	defer stores.close()

	records, err := stores.registry.List(ctx, datastore.ObjectKind(cmd.kind), cmd.limit)
	if err != nil {
		return fmt.Errorf("listing registry records: %v", err)
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Kind", "ID", "State", "Retries", "Checksum Mismatch", "Last Failure"})
	for _, record := range records {
		table.Append([]string{
			string(record.ObjectKind),
			strconv.FormatInt(record.ObjectID, 10),
			string(record.State),
			strconv.Itoa(record.RetryCount),
			strconv.FormatBool(record.ChecksumMismatch),
			record.LastSyncFailure,
		})
	}
	table.Render()

	counts, err := stores.registry.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("counting registry records: %v", err)
	}

	for _, state := range []datastore.SyncState{
		datastore.StatePending,
		datastore.StateStarted,
		datastore.StateSynced,
		datastore.StateFailed,
	} {
		fmt.Fprintf(cmd.w, "%s: %d\n", state, counts[state])
	}

	return nil
}
