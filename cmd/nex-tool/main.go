// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// nex-tool inspects the offline artifacts of a NEX session: station URLs, ticket
// keys and captured PRUDP datagrams.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nex-tool",
		Short:         "Offline helpers for PRUDP and NEX",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(newStationCmd(), newTicketKeyCmd(), newInspectCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
