// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"

	"github.com/google/subcommands"

	"github.com/edgefleetio/aklite-core/go/src/installfsm"
	"github.com/edgefleetio/aklite-core/go/src/target"
	"github.com/edgefleetio/aklite-core/tools/lib/golog"
)

// finalizeCmd is the post-reboot half of the two-phase install: it checks
// that the device actually booted the pending commit, starts the pending
// Target's apps, and promotes it to current — or rolls back.
type finalizeCmd struct {
	coreFlags
}

func (*finalizeCmd) Name() string     { return "finalize" }
func (*finalizeCmd) Synopsis() string { return "complete a pending installation after reboot" }
func (*finalizeCmd) Usage() string {
	return "finalize [flags]:\n" +
		"  Verify the booted commit matches the pending install, start its apps, and promote it to current.\n"
}

func (c *finalizeCmd) SetFlags(f *flag.FlagSet) { c.coreFlags.SetFlags(f) }

func (c *finalizeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := golog.New("aklite")
	ctx = golog.WithContext(ctx, log)

	w, err := c.build()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitStatus(exitNoPendingInstallation)
	}
	defer w.close()

	if err := w.Locks.AcquireUpdate(); err != nil {
		log.Errorf("acquire update lock: %v", err)
		return subcommands.ExitStatus(exitInstallationInProgress)
	}
	defer w.Locks.ReleaseAll()

	status, err := w.Machine.Finalize(ctx)
	if err == nil && status == installfsm.Ok {
		if recs, rerr := w.Store.AllVersionRecords(); rerr == nil {
			if cur, ok := currentOf(recs); ok {
				if c.cfg.FullStatusCheck {
					for _, a := range cur.Apps {
						running, rerr := w.Apps.IsRunning(ctx, target.App{Name: a.Name, URI: a.URI})
						if rerr != nil || !running {
							log.Warnf("app %s is not running after finalize (err=%v)", a.Name, rerr)
						}
					}
				}
				names := make([]string, len(cur.Apps))
				for i, a := range cur.Apps {
					names[i] = a.Name
				}
				if perr := w.Apps.Prune(ctx, names); perr != nil {
					log.Warnf("prune: %v", perr)
				}
			}
		}
	}
	w.flushReports(ctx, c.reportURL)
	if err != nil {
		var noPending *installfsm.ErrNoPendingInstallation
		if errors.As(err, &noPending) {
			log.Errorf("%v", err)
			return subcommands.ExitStatus(exitNoPendingInstallation)
		}
		log.Errorf("finalize: %v", err)
		return subcommands.ExitStatus(postInstallExitCode(status))
	}
	log.Infof("finalize: %s", status)
	if status == installfsm.NeedRebootForBootFw {
		return subcommands.ExitStatus(exitOkNeedsRebootForBootFw)
	}
	return subcommands.ExitStatus(postInstallExitCode(status))
}
