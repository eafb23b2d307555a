// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strconv"

	"github.com/sapcc/go-bits/logg"
	"github.com/spf13/cobra"

	janitorcmd "github.com/sapcc/drydock/cmd/janitor"

	//include all known driver implementations
	_ "github.com/sapcc/drydock/internal/drivers/filesystem"
)

func main() {
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("DRYDOCK_DEBUG"))

	rootCmd := &cobra.Command{
		Use:   "drydock",
		Short: "Container image registry metadata engine",
		Long:  "Drydock is the metadata engine of a container image registry: it tracks tags, manifests, blobs and their lifetimes in PostgreSQL.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	janitorcmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
