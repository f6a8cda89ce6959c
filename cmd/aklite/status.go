// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/edgefleetio/aklite-core/go/src/store"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// statusCmd prints the device's (current, pending, bad[]) view of the
// installed-versions log plus any in-flight boot-fw confirmation. It is a
// read-only inspection: it takes no update lock, so it is safe to run while
// another process is mid-cycle.
type statusCmd struct {
	coreFlags
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "print the current/pending/bad target state" }
func (*statusCmd) Usage() string {
	return "status [flags]:\n" +
		"  Print the installed-versions log and pending install/boot-fw state.\n"
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) { c.coreFlags.SetFlags(f) }

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := golog.New("aklite")

	w, err := c.build()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer w.close()

	recs, err := w.Store.AllVersionRecords()
	if err != nil {
		log.Errorf("read installed versions: %v", err)
		return subcommands.ExitFailure
	}
	for _, r := range recs {
		fmt.Fprintf(os.Stdout, "%-10s %s version=%s sha256=%s\n", r.Mode, r.TargetName, r.Version, r.Sha256Hex)
	}

	if p, ok, err := w.Store.GetPendingInstall(); err == nil && ok {
		fmt.Fprintf(os.Stdout, "pending install: %s (mode=%s, created=%s)\n", p.TargetName, p.Mode, p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if b, err := w.Store.GetBootFwRecord(); err == nil && b.BootupgradeAvailable > 0 {
		fmt.Fprintf(os.Stdout, "boot firmware version %d awaiting reboot confirmation (bootupgrade_available=%d)\n", b.BootfwVersion, b.BootupgradeAvailable)
	}

	return subcommands.ExitSuccess
}

// currentOf returns the log's sole current record, if one exists.
func currentOf(recs []store.VersionRecord) (store.VersionRecord, bool) {
	for _, r := range recs {
		if r.Mode == store.ModeCurrent {
			return r, true
		}
	}
	return store.VersionRecord{}, false
}
