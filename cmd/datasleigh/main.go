// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/datasleigh/sleigh"
	"storj.io/datasleigh/sleigh/sleighdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "datasleigh",
		Short: "Data Sleigh sensor collector",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the collector",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	diagCmd = &cobra.Command{
		Use:         "diag",
		Short:       "Print store statistics",
		RunE:        cmdDiag,
		Annotations: map[string]string{"type": "helper"},
	}

	confDir string

	runCfg   sleigh.Config
	setupCfg sleigh.Config
	diagCfg  sleigh.Config
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "datasleigh")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for datasleigh configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(diagCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(diagCmd, &diagCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := runCfg.Verify(); err != nil {
		log.Error("Invalid configuration.", zap.Error(err))
		return err
	}

	db, err := sleighdb.Open(ctx, log.Named("db"), runCfg.Store, runCfg.SourceA.Topics.Tables())
	if err != nil {
		return errs.New("Error opening store: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.Preflight(ctx); err != nil {
		log.Error("Store failed preflight check.", zap.Error(err))
		return err
	}

	peer, err := sleigh.New(ctx, log, db, runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("datasleigh configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func main() {
	logger, _, _ := process.NewLogger("datasleigh")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
