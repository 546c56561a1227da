// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexcore/nexcore/pkg/nex"
	"github.com/nexcore/nexcore/pkg/prudp"
)

const keyNone = "none"

// payloadCipher returns the cipher for DATA payloads named by the --key flag, nil for "none".
func payloadCipher(key string) (*prudp.StreamCipher, error) {
	switch key {
	case "", "bootstrap":
		return prudp.NewStreamCipher(prudp.BootstrapKey)
	case keyNone:
		return nil, nil
	}

	sessionKey, err := hex.DecodeString(key)
	if err != nil || len(sessionKey) != 16 {
		return nil, fmt.Errorf("key must be \"bootstrap\", \"none\" or 16 hex encoded bytes")
	}
	return prudp.NewStreamCipher(sessionKey)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect ACCESS-KEY HEX",
		Short: "Decode a captured PRUDP datagram",
		Long: `Decode a hex encoded PRUDP datagram, which may hold several packets, and print
their fields. DATA payloads are decrypted with a fresh keystream, selected by --key,
and printed as RPC frames if they parse as such.

The keystream only matches the first DATA payload of a direction unless the
datagrams of a stream are passed in order.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			datagram, err := hex.DecodeString(strings.Join(strings.Fields(args[1]), ""))
			if err != nil {
				return fmt.Errorf("invalid datagram: %w", err)
			}

			key, _ := cmd.Flags().GetString("key")
			cipher, err := payloadCipher(key)
			if err != nil {
				return err
			}

			noVerify, _ := cmd.Flags().GetBool("no-verify")
			settings := prudp.NewStreamSettings(args[0], nil)
			settings.VerifySignatures = !noVerify

			return inspectDatagram(cmd.OutOrStdout(), datagram, settings, cipher)
		},
	}

	cmd.Flags().String("key", "bootstrap", `DATA payload key: "bootstrap", "none" or a hex encoded session key`)
	cmd.Flags().Bool("no-verify", false, "skip the DATA signature check")
	return cmd
}

// inspectDatagram prints every packet within datagram.
func inspectDatagram(out io.Writer, datagram []byte, settings *prudp.StreamSettings, cipher *prudp.StreamCipher) error {
	for i := 0; len(datagram) > 0; i++ {
		n, err := prudp.FrameLength(datagram)
		if err != nil {
			return err
		}

		p, err := prudp.Decode(datagram[:n], settings)
		if err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		datagram = datagram[n:]

		printPacket(out, i, p)

		if p.Type == prudp.TypeData && len(p.Payload) > 0 {
			payload := append([]byte(nil), p.Payload...)
			if cipher != nil {
				cipher.Transform(payload, payload)
			}
			printPayload(out, payload)
		} else if len(p.Payload) > 0 {
			_, _ = fmt.Fprintf(out, "  payload:     %x\n", p.Payload)
		}
	}
	return nil
}

func printPacket(out io.Writer, i int, p *prudp.Packet) {
	_, _ = fmt.Fprintf(out, "packet %d: %v\n", i, p.Type)
	_, _ = fmt.Fprintf(out, "  source:      stream %d, port %d\n", p.Source.StreamType(), p.Source.Port())
	_, _ = fmt.Fprintf(out, "  destination: stream %d, port %d\n", p.Destination.StreamType(), p.Destination.Port())

	var flags []string
	for _, f := range []struct {
		flag prudp.Flags
		name string
	}{
		{prudp.FlagAck, "ack"},
		{prudp.FlagReliable, "reliable"},
		{prudp.FlagNeedAck, "need-ack"},
		{prudp.FlagHasSize, "has-size"},
	} {
		if p.Has(f.flag) {
			flags = append(flags, f.name)
		}
	}
	if reserved := p.ReservedFlags(); reserved != 0 {
		flags = append(flags, fmt.Sprintf("reserved(%#x)", uint16(reserved)))
	}
	_, _ = fmt.Fprintf(out, "  flags:       [%s]\n", strings.Join(flags, " "))

	_, _ = fmt.Fprintf(out, "  session:     %d\n", p.SessionID)
	_, _ = fmt.Fprintf(out, "  signature:   %#08x\n", p.Signature)
	_, _ = fmt.Fprintf(out, "  sequence:    %d\n", p.SequenceID)

	switch p.Type {
	case prudp.TypeSyn, prudp.TypeCon:
		_, _ = fmt.Fprintf(out, "  conn sig:    %#08x\n", p.ConnectionSignature)
	case prudp.TypeData:
		_, _ = fmt.Fprintf(out, "  fragment:    %d\n", p.FragmentIndex)
	}
}

// printPayload prints a decrypted DATA payload, as an RPC frame if possible.
func printPayload(out io.Writer, payload []byte) {
	if nex.IsRequest(payload) {
		if req, err := nex.ParseRequest(payload); err == nil {
			_, _ = fmt.Fprintf(out, "  rpc request: protocol %d, call %d, method %d, %d bytes args\n",
				req.ProtocolID, req.CallID, req.MethodID, len(req.Args))
			return
		}
	} else if resp, err := nex.ParseResponse(payload); err == nil {
		if resp.Success() {
			_, _ = fmt.Fprintf(out, "  rpc success: protocol %d, call %d, method %d, %d bytes data\n",
				resp.ProtocolID, resp.CallID, resp.MethodID, len(resp.Data))
		} else {
			_, _ = fmt.Fprintf(out, "  rpc error:   protocol %d, call %d, code %#08x\n",
				resp.ProtocolID, resp.CallID, resp.ErrorCode())
		}
		return
	}

	_, _ = fmt.Fprintf(out, "  payload:     %x\n", payload)
}
