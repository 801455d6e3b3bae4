// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/storage/badger"
)

var (
	historyLimit  int
	historyDelete bool
)

var historyCmd = &cobra.Command{
	Use:   "history [SESSION [SEQUENCE]]",
	Short: "Inspect stored session views",
	Long: `List sessions with stored views, the views of one session, or print a
single view record as JSON.

Examples:
  depgraph history
  depgraph history 6f1c... --limit 5
  depgraph history 6f1c... 42
  depgraph history 6f1c... --delete`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd, args)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum views to list, newest first")
	historyCmd.Flags().BoolVar(&historyDelete, "delete", false, "Delete every stored view of SESSION")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	bcfg := badger.DefaultConfig(cfg.Storage.Path)
	bcfg.Logger = logger
	bcfg.GCInterval = 0
	db, err := badger.Open(bcfg)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer db.Close()
	store := badger.NewSnapshotStore(db, badger.WithStoreLogger(logger))
	out := cmd.OutOrStdout()

	switch {
	case len(args) == 0:
		infos, err := store.Sessions(ctx)
		if err != nil {
			return err
		}
		printSessions(out, infos)
		return nil

	case historyDelete:
		if err := store.DeleteSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), styles.Success.Render("Deleted session "+args[0]))
		return nil

	case len(args) == 1:
		recs, err := store.List(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		printViews(out, recs)
		return nil

	default:
		seq, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[1], err)
		}
		rec, err := store.Get(ctx, args[0], seq)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
}

func printSessions(w io.Writer, infos []badger.SessionInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No stored sessions"))
		return
	}
	fmt.Fprintln(w, styles.Title.Render(fmt.Sprintf("%-36s  %6s  %8s", "SESSION", "VIEWS", "LAST")))
	for _, s := range infos {
		fmt.Fprintf(w, "%-36s  %6d  %8d\n", s.ID, s.Views, s.LastSequence)
	}
}

func printViews(w io.Writer, recs []session.ViewRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No stored views"))
		return
	}
	fmt.Fprintln(w, styles.Title.Render(fmt.Sprintf("%8s  %-20s  %-8s  %5s  %6s  %s", "SEQ", "CREATED", "REASON", "DEPTH", "NODES", "FILES")))
	for _, r := range recs {
		nodes := strconv.Itoa(r.NodeCount)
		if r.OverThreshold && !r.Forced {
			nodes = styles.Warning.Render(nodes + "!")
		}
		fmt.Fprintf(w, "%8d  %-20s  %-8s  %5d  %6s  %d\n",
			r.Sequence, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Reason, r.Depth, nodes, len(r.ActiveFiles))
	}
}
