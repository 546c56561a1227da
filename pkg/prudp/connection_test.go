// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

const (
	testServerSignature uint32 = 0x5EC2E75A
	testServerSession   uint8  = 0x3C
)

// recordingConduit stores every sent datagram and hands out queued datagrams on Poll.
type recordingConduit struct {
	sent   [][]byte
	inbox  [][]byte
	closed bool
}

func (rc *recordingConduit) Send(datagram []byte) error {
	rc.sent = append(rc.sent, append([]byte(nil), datagram...))
	return nil
}

func (rc *recordingConduit) Poll() ([]byte, error) {
	if len(rc.inbox) == 0 {
		return nil, nil
	}
	datagram := rc.inbox[0]
	rc.inbox = rc.inbox[1:]
	return datagram, nil
}

func (rc *recordingConduit) LocalPort() uint16 {
	return 40123
}

func (rc *recordingConduit) Close() error {
	rc.closed = true
	return nil
}

// testPeer plays the server's side of the codec.
type testPeer struct {
	t        *testing.T
	settings *StreamSettings
	rc       *recordingConduit
}

func newTestPeer(t *testing.T, rc *recordingConduit, cipher *CipherContext) *testPeer {
	return &testPeer{t: t, settings: NewStreamSettings(testAccessKey, cipher), rc: rc}
}

func (tp *testPeer) encode(p *Packet) []byte {
	p.Source, p.Destination = serverVPort, clientVPort
	datagram, err := Encode(p, tp.settings)
	if err != nil {
		tp.t.Fatal(err)
	}
	return datagram
}

// inject queues a server packet for the client's next Update.
func (tp *testPeer) inject(p *Packet) {
	tp.rc.inbox = append(tp.rc.inbox, tp.encode(p))
}

func (tp *testPeer) decode(datagram []byte) *Packet {
	p, err := Decode(datagram, tp.settings)
	if err != nil {
		tp.t.Fatal(err)
	}
	return p
}

// last decodes the latest datagram sent by the client.
func (tp *testPeer) last() *Packet {
	if len(tp.rc.sent) == 0 {
		tp.t.Fatal("client sent nothing")
	}
	return tp.decode(tp.rc.sent[len(tp.rc.sent)-1])
}

func (tp *testPeer) data(seq uint16, fragment uint8, payload []byte) *Packet {
	return &Packet{
		Type:          TypeData,
		Flags:         FlagReliable | FlagNeedAck,
		SessionID:     testServerSession,
		SequenceID:    seq,
		FragmentIndex: fragment,
		Payload:       append([]byte(nil), payload...),
	}
}

// connect creates a Connection and walks it through the handshake at t0.
func connect(t *testing.T, config Config, t0 time.Time) (*Connection, *testPeer) {
	rc := &recordingConduit{}
	c := NewConnection(rc, config, t0)

	var cipher *CipherContext
	if config.Secure != nil {
		cipher = NewSessionCipher(config.Secure.SessionKey)
	}
	peer := newTestPeer(t, rc, cipher)

	peer.inject(&Packet{Type: TypeSyn, Flags: FlagAck, ConnectionSignature: testServerSignature})
	c.Update(t0)
	con := peer.last()

	peer.inject(&Packet{Type: TypeCon, Flags: FlagAck, SessionID: testServerSession,
		Signature: con.ConnectionSignature, SequenceID: con.SequenceID})
	c.Update(t0)

	if c.State() != StateConnected {
		t.Fatalf("connection is %v", c.State())
	}

	rc.sent = nil
	return c, peer
}

func TestConnectionHandshake(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	rc := &recordingConduit{}
	c := NewConnection(rc, Config{AccessKey: testAccessKey}, t0)
	peer := newTestPeer(t, rc, nil)

	syn := peer.last()
	if syn.Type != TypeSyn || syn.SequenceID != 0 || syn.Signature != 0 || syn.ConnectionSignature != 0 || !syn.Has(FlagNeedAck) {
		t.Fatalf("unexpected SYN %v", syn)
	}
	if c.State() != StateConnecting {
		t.Fatalf("connection is %v", c.State())
	}

	peer.inject(&Packet{Type: TypeSyn, Flags: FlagAck, ConnectionSignature: testServerSignature})
	c.Update(t0.Add(10 * time.Millisecond))

	con := peer.last()
	if con.Type != TypeCon || con.SequenceID != 1 || con.Signature != testServerSignature {
		t.Fatalf("unexpected CON %v, signature %#x", con, con.Signature)
	}
	if !con.Has(FlagReliable | FlagNeedAck) {
		t.Fatalf("CON flags %#x", con.Flags)
	}
	if c.State() != StateConnecting {
		t.Fatalf("connected before CON was acknowledged")
	}

	peer.inject(&Packet{Type: TypeCon, Flags: FlagAck, SessionID: testServerSession,
		Signature: con.ConnectionSignature, SequenceID: 1})
	c.Update(t0.Add(20 * time.Millisecond))

	if c.State() != StateConnected {
		t.Fatalf("connection is %v", c.State())
	}
	if status := c.Status(); status.RemoteSessionID != testServerSession || status.LocalSessionID != con.SessionID {
		t.Fatalf("unexpected session IDs in %+v", status)
	}
}

func TestConnectionHandshakeRejects(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	rc := &recordingConduit{}
	c := NewConnection(rc, Config{AccessKey: testAccessKey}, t0)
	peer := newTestPeer(t, rc, nil)

	// SYN without ACK, SYN without signature and a premature CON are ignored.
	peer.inject(&Packet{Type: TypeSyn, ConnectionSignature: testServerSignature})
	peer.inject(&Packet{Type: TypeSyn, Flags: FlagAck})
	peer.inject(&Packet{Type: TypeCon, Flags: FlagAck, SessionID: testServerSession})
	c.Update(t0)

	if len(rc.sent) != 1 || c.State() != StateConnecting {
		t.Fatalf("sent %d datagrams, connection is %v", len(rc.sent), c.State())
	}
	if c.Status().Dropped != 3 {
		t.Fatalf("dropped %d packets", c.Status().Dropped)
	}
}

func TestConnectionHandshakeTimeout(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	rc := &recordingConduit{}
	c := NewConnection(rc, Config{AccessKey: testAccessKey}, t0)

	for i := 1; i <= 10 && c.State() == StateConnecting; i++ {
		c.Update(t0.Add(time.Duration(i) * 1200 * time.Millisecond))
	}

	if c.State() != StateDisconnected || c.DisconnectCause() != "handshake-timeout" {
		t.Fatalf("connection is %v due to %q", c.State(), c.DisconnectCause())
	}
	if len(rc.sent) != 5 {
		t.Fatalf("expected 5 SYN packets, got %d", len(rc.sent))
	}
}

func TestConnectionFragmentedSend(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey, MaxFragmentSize: 500}, t0)

	payload := make([]byte, 1024)
	rand.New(rand.NewSource(23)).Read(payload)

	if err := c.SendReliable(payload, t0); err != nil {
		t.Fatal(err)
	}
	if len(peer.rc.sent) != 3 {
		t.Fatalf("expected 3 DATA packets, got %d", len(peer.rc.sent))
	}

	var received []byte
	for i, datagram := range peer.rc.sent {
		p := peer.decode(datagram)
		if p.Type != TypeData || p.SequenceID != uint16(2+i) || p.FragmentIndex != uint8(2-i) {
			t.Fatalf("packet %d: %v", i, p)
		}
		if !p.Has(FlagReliable | FlagNeedAck) {
			t.Fatalf("packet %d flags %#x", i, p.Flags)
		}

		peer.settings.Cipher.Inbound.Transform(p.Payload, p.Payload)
		received = append(received, p.Payload...)
	}

	if !bytes.Equal(received, payload) {
		t.Fatal("reassembled fragments differ from the payload")
	}
	if c.Status().AwaitingAck != 3 {
		t.Fatalf("%d packets await an ack", c.Status().AwaitingAck)
	}
}

func TestConnectionFragmentedReceive(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	payload := make([]byte, 1024)
	rand.New(rand.NewSource(42)).Read(payload)

	// Fragments are encrypted in sequence order, but arrive in the order 1, 0, 2.
	fragments := make(map[uint8][]byte)
	fragments[2] = peer.encode(peer.data(1, 2, payload[:500]))
	fragments[1] = peer.encode(peer.data(2, 1, payload[500:1000]))
	fragments[0] = peer.encode(peer.data(3, 0, payload[1000:]))

	for _, index := range []uint8{1, 0} {
		peer.rc.inbox = append(peer.rc.inbox, fragments[index])
		c.Update(t0)

		if out, ok := c.Drain(); ok {
			t.Fatalf("drained %d bytes after fragment %d", len(out), index)
		}
	}

	peer.rc.inbox = append(peer.rc.inbox, fragments[2])
	c.Update(t0)

	out, ok := c.Drain()
	if !ok || !bytes.Equal(out, payload) {
		t.Fatalf("drained %d bytes, ok=%t", len(out), ok)
	}
	if _, ok := c.Drain(); ok {
		t.Fatal("payload was drained twice")
	}

	// Every fragment was acknowledged with its own sequence ID.
	var acked []uint16
	for _, datagram := range peer.rc.sent {
		if p := peer.decode(datagram); p.Type == TypeData && p.Has(FlagAck) {
			acked = append(acked, p.SequenceID)
		}
	}
	if len(acked) != 3 || acked[0] != 2 || acked[1] != 3 || acked[2] != 1 {
		t.Fatalf("acknowledged %v", acked)
	}
}

func TestConnectionStaleAndDuplicate(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	first := peer.encode(peer.data(1, 0, []byte("first")))
	_ = peer.encode(peer.data(2, 0, []byte("second")))
	third := peer.encode(peer.data(3, 0, []byte("third")))

	peer.rc.inbox = append(peer.rc.inbox, third, third)
	c.Update(t0)
	if c.Status().Reordering != 1 {
		t.Fatalf("reorder queue holds %d packets", c.Status().Reordering)
	}

	peer.rc.inbox = append(peer.rc.inbox, first)
	c.Update(t0)
	if out, ok := c.Drain(); !ok || string(out) != "first" {
		t.Fatalf("drained %q", out)
	}

	// Sequence ID 1 now lies behind the expected 2, but is acknowledged again.
	sent := len(peer.rc.sent)
	peer.rc.inbox = append(peer.rc.inbox, first)
	c.Update(t0)
	if c.Status().Reordering != 1 {
		t.Fatalf("stale packet was queued")
	}
	if len(peer.rc.sent) != sent+1 || !peer.last().Has(FlagAck) || peer.last().SequenceID != 1 {
		t.Fatal("stale packet was not acknowledged")
	}
	if c.Status().Dropped != 2 {
		t.Fatalf("dropped %d packets", c.Status().Dropped)
	}
}

func TestConnectionReorderWraparound(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)
	c.incomingSequenceID = 0xFFFF

	a := peer.encode(peer.data(0xFFFF, 0, []byte("a")))
	b := peer.encode(peer.data(0x0000, 0, []byte("b")))
	d := peer.encode(peer.data(0x0001, 0, []byte("c")))

	peer.rc.inbox = append(peer.rc.inbox, d, b, a)
	c.Update(t0)

	var out []byte
	for payload, ok := c.Drain(); ok; payload, ok = c.Drain() {
		out = append(out, payload...)
	}
	if string(out) != "abc" {
		t.Fatalf("drained %q", out)
	}
	if c.Status().IncomingSequenceID != 2 {
		t.Fatalf("expecting sequence ID %d", c.Status().IncomingSequenceID)
	}
}

func TestConnectionSequenceIDs(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	for i := 0; i < 10; i++ {
		if err := c.SendReliable([]byte{byte(i)}, t0); err != nil {
			t.Fatal(err)
		}
	}

	c.outgoingSequenceID = 0xFFFE
	for i := 0; i < 3; i++ {
		if err := c.SendReliable([]byte{byte(i)}, t0); err != nil {
			t.Fatal(err)
		}
	}

	expected := []uint16{2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 0xFFFE, 0xFFFF, 0}
	for i, datagram := range peer.rc.sent {
		if seq := peer.decode(datagram).SequenceID; seq != expected[i] {
			t.Fatalf("packet %d has sequence ID %d, expected %d", i, seq, expected[i])
		}
	}
}

func TestConnectionRetransmission(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	if err := c.SendReliable([]byte("retransmit me"), t0); err != nil {
		t.Fatal(err)
	}
	original := peer.rc.sent[0]

	c.Update(t0.Add(time.Second))
	if len(peer.rc.sent) != 1 {
		t.Fatal("retransmitted before the interval passed")
	}

	c.Update(t0.Add(2300 * time.Millisecond))
	if len(peer.rc.sent) != 2 || !bytes.Equal(peer.rc.sent[1], original) {
		t.Fatal("retransmission differs from the original datagram")
	}

	peer.inject(&Packet{Type: TypeData, Flags: FlagAck, SessionID: testServerSession, SequenceID: 2})
	c.Update(t0.Add(2400 * time.Millisecond))
	c.Update(t0.Add(6 * time.Second))

	if len(peer.rc.sent) != 2 || c.Status().AwaitingAck != 0 {
		t.Fatalf("sent %d datagrams after the ack", len(peer.rc.sent))
	}
}

func TestConnectionRetransmitCeiling(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	if err := c.SendReliable([]byte("nobody listens"), t0); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 8; i++ {
		c.Update(t0.Add(time.Duration(i) * 2300 * time.Millisecond))
	}

	if c.State() != StateDisconnected || c.DisconnectCause() != "retransmit-ceiling" {
		t.Fatalf("connection is %v due to %q", c.State(), c.DisconnectCause())
	}
	if len(peer.rc.sent) != 8 {
		t.Fatalf("expected the original and 7 retransmissions, got %d datagrams", len(peer.rc.sent))
	}
	if err := c.SendReliable([]byte("late"), t0); err != ErrNotConnected {
		t.Fatalf("sending on a dead connection: %v", err)
	}
}

func TestConnectionKeepAlive(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	c.Update(t0.Add(19 * time.Second))
	if len(peer.rc.sent) != 0 {
		t.Fatal("pinged too early")
	}

	now := t0.Add(20 * time.Second)
	c.Update(now)
	ping := peer.last()
	if ping.Type != TypePing || ping.SequenceID != 1 || ping.Signature != testServerSignature || !ping.Has(FlagNeedAck) {
		t.Fatalf("unexpected ping %v", ping)
	}

	peer.inject(&Packet{Type: TypePing, Flags: FlagAck, SessionID: testServerSession, SequenceID: 1})
	c.Update(now.Add(time.Millisecond))
	c.Update(now.Add(10 * time.Second))
	if len(peer.rc.sent) != 1 {
		t.Fatal("acknowledged ping was resent")
	}

	// The second ping is never answered.
	now = now.Add(20 * time.Second)
	peer.rc.sent = nil
	for i := 0; i < 20 && c.State() == StateConnected; i++ {
		c.Update(now.Add(time.Duration(i) * 1500 * time.Millisecond))
	}

	if c.State() != StateDisconnected || c.DisconnectCause() != "ping-timeout" {
		t.Fatalf("connection is %v due to %q", c.State(), c.DisconnectCause())
	}
	if len(peer.rc.sent) != 10 {
		t.Fatalf("expected 10 pings, got %d", len(peer.rc.sent))
	}
	for _, datagram := range peer.rc.sent {
		if p := peer.decode(datagram); p.SequenceID != 2 {
			t.Fatalf("resent ping with sequence ID %d", p.SequenceID)
		}
	}
}

func TestConnectionAnswersPing(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	peer.inject(&Packet{Type: TypePing, Flags: FlagNeedAck | FlagHasSize, SessionID: testServerSession,
		SequenceID: 77, Payload: []byte{0xAB, 0xCD}})
	c.Update(t0)

	ack := peer.last()
	if ack.Type != TypePing || !ack.Has(FlagAck) || ack.SequenceID != 77 || !bytes.Equal(ack.Payload, []byte{0xAB, 0xCD}) {
		t.Fatalf("unexpected ping answer %v", ack)
	}
}

func TestConnectionSessionFilter(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	foreign := peer.data(1, 0, []byte("foreign"))
	foreign.SessionID = testServerSession + 1
	peer.inject(foreign)
	c.Update(t0)

	if len(peer.rc.sent) != 0 || c.Status().Reordering != 0 {
		t.Fatal("packet of a foreign session was processed")
	}
}

func TestConnectionPeerDisconnect(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	peer.inject(&Packet{Type: TypeDisconnect, SessionID: testServerSession, Signature: testServerSignature})
	c.Update(t0)

	if c.State() != StateDisconnected || c.DisconnectCause() != "peer" {
		t.Fatalf("connection is %v due to %q", c.State(), c.DisconnectCause())
	}
}

func TestConnectionClose(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	c, peer := connect(t, Config{AccessKey: testAccessKey}, t0)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if p := peer.last(); p.Type != TypeDisconnect || p.SequenceID != 2 {
		t.Fatalf("unexpected packet %v", p)
	}
	if !peer.rc.closed || c.State() != StateDisconnected {
		t.Fatal("connection was not closed")
	}
}

func TestConnectionInvalidPacketPolicy(t *testing.T) {
	t0 := time.Unix(1700000000, 0)

	for _, strict := range []bool{false, true} {
		c, peer := connect(t, Config{AccessKey: testAccessKey, DisconnectOnInvalidPacket: strict}, t0)

		corrupt := peer.encode(peer.data(1, 0, []byte("corrupt")))
		corrupt[len(corrupt)-1]++
		peer.rc.inbox = append(peer.rc.inbox, corrupt)
		c.Update(t0)

		if disconnected := c.State() == StateDisconnected; disconnected != strict {
			t.Fatalf("strict=%t, connection is %v", strict, c.State())
		}
		if c.Status().Dropped != 1 {
			t.Fatalf("dropped %d datagrams", c.Status().Dropped)
		}
	}
}

func TestConnectionSecureHandshake(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	secure := &SecureHandshake{
		SessionKey:   [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SecureTicket: []byte("opaque secure ticket"),
		UserPID:      1750087940,
		ServerCID:    0x3D,
	}

	rc := &recordingConduit{}
	c := NewConnection(rc, Config{AccessKey: testAccessKey, Secure: secure}, t0)
	peer := newTestPeer(t, rc, NewSessionCipher(secure.SessionKey))

	peer.inject(&Packet{Type: TypeSyn, Flags: FlagAck, ConnectionSignature: testServerSignature})
	c.Update(t0)

	con := peer.last()
	if con.Type != TypeCon {
		t.Fatalf("unexpected packet %v", con)
	}

	ticket, sealed := splitBuffers(t, con.Payload)
	if !bytes.Equal(ticket, secure.SecureTicket) {
		t.Fatalf("embedded ticket %q", ticket)
	}

	pid, cid, _, err := OpenConnectRequest(secure.SessionKey, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if pid != secure.UserPID || cid != secure.ServerCID {
		t.Fatalf("pid %d, cid %d", pid, cid)
	}

	if c.KeyMode() != KeyModeSession {
		t.Fatalf("key mode %v", c.KeyMode())
	}
}

func splitBuffers(t *testing.T, payload []byte) (a, b []byte) {
	if len(payload) < 4 {
		t.Fatal("payload too short")
	}
	n := int(payload[0]) | int(payload[1])<<8 | int(payload[2])<<16 | int(payload[3])<<24
	a, rest := payload[4:4+n], payload[4+n:]
	m := int(rest[0]) | int(rest[1])<<8 | int(rest[2])<<16 | int(rest[3])<<24
	return a, rest[4 : 4+m]
}

func TestSealConnectRequestTampered(t *testing.T) {
	key := [16]byte{0xFF}
	sealed := SealConnectRequest(key, 1, 2, 3)
	sealed[0] ^= 0x80

	if _, _, _, err := OpenConnectRequest(key, sealed); err == nil {
		t.Fatal("tampered request was accepted")
	}
}
