// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mxcp CLI.
package main

import (
	"os"

	"github.com/mxcp-dev/mxcp/cmd/mxcp/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
