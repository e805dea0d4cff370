// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/process"
	"storj.io/datasleigh/sleigh/sleighdb"
)

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	// check that the store exists
	if _, err := os.Stat(diagCfg.Store.Path); err != nil {
		fmt.Println("store database doesn't exist", diagCfg.Store.Path)
		return err
	}

	db, err := sleighdb.OpenExisting(ctx, zap.L().Named("db"), diagCfg.Store)
	if err != nil {
		return errs.New("Error opening store: %v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	defer func() { err = errs.Combine(err, w.Flush()) }()

	_, _ = fmt.Fprint(w, "Table\tRows\tEarliest\tLatest\tKeys\n")
	for _, stat := range stats {
		earliest, latest := "-", "-"
		if !stat.Earliest.IsZero() {
			earliest = stat.Earliest.UTC().Format(time.RFC3339)
		}
		if !stat.Latest.IsZero() {
			latest = stat.Latest.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			stat.Table, stat.Rows, earliest, latest, stat.Distinct)
	}

	size, err := db.SizeOnDisk()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Size on disk\t%v\t\t\t\n", memory.Size(size))

	return nil
}
