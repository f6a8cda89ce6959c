// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/edgefleetio/aklite-core/go/src/offline"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// simulateRebootCmd crosses the reboot boundary for an offline bundle's
// commit store: the pending deployment becomes the booted one, exactly as
// the bootloader would do on a real device. Only meaningful with
// -offline-bundle; a real device just reboots.
type simulateRebootCmd struct {
	coreFlags
}

func (*simulateRebootCmd) Name() string     { return "simulate-reboot" }
func (*simulateRebootCmd) Synopsis() string { return "promote an offline bundle's pending deployment" }
func (*simulateRebootCmd) Usage() string {
	return "simulate-reboot -offline-bundle DIR [flags]:\n" +
		"  Promote the bundle commit store's pending deployment to booted, as a reboot would.\n"
}

func (c *simulateRebootCmd) SetFlags(f *flag.FlagSet) { c.coreFlags.SetFlags(f) }

func (c *simulateRebootCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := golog.New("aklite")

	w, err := c.build()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer w.close()

	cs, ok := w.Machine.Commits.(*offline.CommitStore)
	if !ok {
		log.Errorf("simulate-reboot requires -offline-bundle")
		return subcommands.ExitFailure
	}
	if err := cs.Reboot(); err != nil {
		log.Errorf("simulate reboot: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
