/*
Copyright 2020 GramLabs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cli assembles the breeder command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/godon-dev/breeder/internal/version"
)

// NewRootCommand creates a new top-level command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "breeder",
		Short:             "Autonomous parameter breeding for live targets",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	rootCmd.AddCommand(NewRunCommand(&RunOptions{}))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// NewVersionCommand creates a command for displaying the version
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version: %s\n", cmd.Root().Name(), version.GetInfo())
			return err
		},
	}
}
