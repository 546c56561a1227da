// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexcore/nexcore/pkg/login"
)

func newStationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "station URL",
		Short: "Parse a station URL",
		Long: `Parse a station URL and print its well-known fields followed by all parameters.

Example:
  nex-tool station "prudps:/address=10.0.0.1;port=60001;CID=1;PID=2;sid=1;stream=10;type=2"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			station, err := login.ParseStationURL(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "scheme:  %s\n", station.Scheme)
			_, _ = fmt.Fprintf(out, "address: %s\n", station.HostPort())
			_, _ = fmt.Fprintf(out, "cid:     %d\n", station.CID)
			_, _ = fmt.Fprintf(out, "pid:     %d\n", station.PID)
			_, _ = fmt.Fprintf(out, "sid:     %d\n", station.SID)
			_, _ = fmt.Fprintf(out, "stream:  %d\n", station.Stream)
			_, _ = fmt.Fprintf(out, "type:    %d\n", station.Type)

			for _, param := range station.Params {
				_, _ = fmt.Fprintf(out, "  %s = %s\n", param.Key, param.Value)
			}
			return nil
		},
	}
}
