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

	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// listTargetsCmd prints every Target in the already-persisted TUF metadata
// that qualifies for this device. Like status, it is read-only and takes no
// update lock; it validates the persisted metadata against time and
// refreshes it over the network only when -refresh is given.
type listTargetsCmd struct {
	coreFlags
	refresh bool
}

func (*listTargetsCmd) Name() string     { return "list-targets" }
func (*listTargetsCmd) Synopsis() string { return "list the Targets qualifying for this device" }
func (*listTargetsCmd) Usage() string {
	return "list-targets [-refresh] [flags]:\n" +
		"  Print every Target in the validated TUF metadata matching this device's hardware-id and tags.\n"
}

func (c *listTargetsCmd) SetFlags(f *flag.FlagSet) {
	c.coreFlags.SetFlags(f)
	f.BoolVar(&c.refresh, "refresh", false, "refresh metadata from the source before listing")
}

func (c *listTargetsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := golog.New("aklite")

	w, err := c.build()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}
	defer w.close()

	if c.refresh {
		if err := w.Client.UpdateMeta(w.Fetcher); err != nil {
			log.Errorf("update metadata: %v", err)
			return subcommands.ExitStatus(exitTufMetaPullFailure)
		}
	} else if err := w.Client.CheckMeta(); err != nil {
		log.Warnf("persisted metadata: %v", err)
	}

	targets, err := w.Client.Targets(c.hardwareID, c.deviceTags())
	if err != nil {
		log.Errorf("list targets: %v", err)
		return subcommands.ExitStatus(exitTufMetaPullFailure)
	}

	var currentName string
	if recs, err := w.Store.AllVersionRecords(); err == nil {
		if cur, ok := currentOf(recs); ok {
			currentName = cur.TargetName
		}
	}

	for _, t := range targets {
		marker := " "
		if t.Name() == currentName {
			marker = "*"
		}
		fmt.Fprintf(os.Stdout, "%s %-40s version=%-8s sha256=%s apps=%d\n", marker, t.Name(), t.Version(), t.Sha256Hex(), len(t.Apps()))
	}
	return subcommands.ExitSuccess
}
