// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nexcore/nexcore/pkg/login"
)

func newTicketKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket-key PID PASSWORD",
		Short: "Derive the ticket key of an account",
		Long: `Derive the key tickets of an account are sealed with. If a hex encoded ticket
is passed by --ticket, it is verified and opened with this key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid PID %q: %w", args[0], err)
			}

			key := login.DeriveTicketKey(uint32(pid), args[1])

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "key: %x\n", key)

			ticketHex, _ := cmd.Flags().GetString("ticket")
			if ticketHex == "" {
				return nil
			}

			sealed, err := hex.DecodeString(ticketHex)
			if err != nil {
				return fmt.Errorf("invalid ticket: %w", err)
			}

			ticket, err := login.OpenTicket(key, sealed)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(out, "session key:   %x\n", ticket.SessionKey)
			_, _ = fmt.Fprintf(out, "reserved:      %#08x\n", ticket.Reserved)
			_, _ = fmt.Fprintf(out, "secure ticket: %x\n", ticket.SecureTicket)
			return nil
		},
	}

	cmd.Flags().String("ticket", "", "hex encoded sealed ticket to open")
	return cmd
}
