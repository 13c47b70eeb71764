// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/policy"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [endpoints-dir]",
		Short: "Validate an endpoint directory without serving it",
		Long: `Validate loads every endpoint definition in the directory, checks the
YAML structure and type declarations, and compiles every policy expression.
It exits non-zero on the first invalid file, printing the same error a
reload would report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := endpoints.FromDir(args[0])
			if err != nil {
				return err
			}

			for _, def := range registry.All() {
				if _, err := policy.Compile(def); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d endpoints valid\n", registry.Len())
			return nil
		},
	}
	return cmd
}
