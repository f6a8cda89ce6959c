// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// fwEnvBootFlags is a concrete capability.BootFlags backed by U-Boot's
// fw_printenv/fw_setenv tools, the bootloader-variable mechanism LmP-style
// edge images ship with.
type fwEnvBootFlags struct{}

func (fwEnvBootFlags) Get(name string) (string, error) {
	out, err := exec.CommandContext(context.Background(), "fw_printenv", "-n", name).Output()
	if err != nil {
		return "", fmt.Errorf("aklite: fw_printenv %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (fwEnvBootFlags) Set(name, value string) error {
	cmd := exec.CommandContext(context.Background(), "fw_setenv", name, value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("aklite: fw_setenv %s=%s: %w: %s", name, value, err, out)
	}
	return nil
}
