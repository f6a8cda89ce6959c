// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command aklite is a thin wiring shim around the update client core: it
// constructs a Machine from a handful of flags and maps its result onto
// the exit-code taxonomy an embedding wrapper script expects. It is not a
// replacement for a production fleet-management CLI; it exists to drive
// every component (tufmeta, planner, installfsm, appengine, store, report)
// end to end from one binary.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&updateCmd{}, "")
	subcommands.Register(&finalizeCmd{}, "")
	subcommands.Register(&statusCmd{}, "")
	subcommands.Register(&listTargetsCmd{}, "")
	subcommands.Register(&simulateRebootCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
