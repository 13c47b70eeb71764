// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the mxcp command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "mxcp",
	DisableAutoGenTag: true,
	Short:             "mxcp serves declarative tools, resources, and prompts over MCP",
	Long: `mxcp is an MCP gateway. It loads tool, resource, and prompt definitions
from a directory of YAML files, executes them against an embedded SQL
database or registered native handlers, and serves them to MCP clients over
streamable HTTP or stdio.

Requests pass through parameter validation, CEL policy evaluation, and
auditing. The HTTP transport can require OAuth bearer tokens, either minted
by the embedded authorization server or validated against an external
issuer.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the mxcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	return rootCmd
}
