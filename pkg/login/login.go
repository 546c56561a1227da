// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package login

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/nex"
	"github.com/nexcore/nexcore/pkg/nexbuf"
	"github.com/nexcore/nexcore/pkg/prudp"
)

const (
	ProtocolAuthentication uint8 = 10
	ProtocolSecure         uint8 = 11

	MethodLogin         uint32 = 1
	MethodRequestTicket uint32 = 3
	MethodRegisterEx    uint32 = 4

	loginDataType = "NintendoLoginData"
)

// ErrConnect reports a connection which never reached the connected state.
var ErrConnect = errors.New("login: connection failed")

// ResultError is a failure result code returned inside a successful RPC response.
type ResultError struct {
	Method string
	Code   uint32
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("login: %s returned %#08x", e.Method, e.Code)
}

// Config of a secure login.
type Config struct {
	// AuthAddress of the authentication server, e.g., "10.0.0.1:60000".
	AuthAddress string

	AccessKey string
	PID       uint32
	Password  string
	Token     string

	// Dial creates the Conduits of both connections; UDP from the default port pool if nil.
	Dial prudp.DialFunc

	// Transport configures both connections. AccessKey and Secure are overwritten.
	Transport prudp.Config

	CallTimeout time.Duration
	CallIDs     *nex.CallIDGenerator

	// PollInterval between two updates while waiting, 1 ms if zero.
	PollInterval time.Duration

	// OnStateChange is passed to the secure Service.
	OnStateChange func(name string, state nex.State)
}

// Info is everything learned from the authentication server.
type Info struct {
	PID           uint32
	LoginTicket   []byte
	SecureStation *StationURL
	ServerName    string
	SealedTicket  []byte
	TicketKey     [16]byte
	Ticket        *Ticket
}

type flow struct {
	config Config
	ctx    context.Context
}

// EstablishSecureConnection logs in at the authentication server, requests a ticket for
// the secure server and registers there. The returned Service is synchronous and
// connected. On failure, every intermediate connection is closed and only an error
// is returned.
func EstablishSecureConnection(ctx context.Context, config Config) (*nex.Service, error) {
	service, _, err := Login(ctx, config)
	return service, err
}

// Login is EstablishSecureConnection, additionally returning the authentication Info.
func Login(ctx context.Context, config Config) (*nex.Service, *Info, error) {
	if config.Dial == nil {
		config.Dial = prudp.UDPDialer(prudp.DefaultPortPool())
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Millisecond
	}
	if config.CallIDs == nil {
		config.CallIDs = nex.NewCallIDGenerator(1)
	}

	f := &flow{config: config, ctx: ctx}

	info, err := f.authenticate()
	if err != nil {
		return nil, nil, err
	}

	service, err := f.register(info)
	if err != nil {
		return nil, nil, err
	}

	return service, info, nil
}

func (f *flow) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"auth": f.config.AuthAddress,
		"pid":  f.config.PID,
	})
}

// connect dials address and waits until the handshake completes.
func (f *flow) connect(name, address string, secure *prudp.SecureHandshake) (*nex.Service, error) {
	transport := f.config.Transport
	transport.AccessKey = f.config.AccessKey
	transport.Secure = secure

	conn, err := prudp.Dial(f.config.Dial, address, transport, time.Now())
	if err != nil {
		return nil, err
	}

	serviceConfig := nex.Config{
		Name:        name,
		CallTimeout: f.config.CallTimeout,
		CallIDs:     f.config.CallIDs,
	}
	if secure != nil {
		serviceConfig.OnStateChange = f.config.OnStateChange
	}
	service := nex.NewService(conn, serviceConfig)

	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		service.Update(time.Now())

		switch service.Status().State {
		case nex.StateConnected:
			return service, nil
		case nex.StateDisconnected:
			return nil, abort(fmt.Errorf("%w: %s at %s", ErrConnect, name, address), service)
		}

		select {
		case <-f.ctx.Done():
			return nil, abort(f.ctx.Err(), service)
		case <-ticker.C:
		}
	}
}

// abort closes all services and attaches their failures to err.
func abort(err error, services ...*nex.Service) error {
	var teardown error
	for _, service := range services {
		if closeErr := service.Close(); closeErr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("closing %s: %w", service.Name(), closeErr))
		}
	}

	if teardown == nil {
		return err
	}
	return multierror.Append(err, teardown)
}

func (f *flow) call(service *nex.Service, protocolID uint8, methodID uint32, args []byte) (*nexbuf.Reader, error) {
	resp, err := service.Do(f.ctx, protocolID, methodID, args, f.config.PollInterval)
	if err != nil {
		return nil, err
	}
	return nexbuf.NewReader(resp.Data), nil
}

// authenticate performs Login and RequestTicket and opens the ticket.
func (f *flow) authenticate() (*Info, error) {
	auth, err := f.connect("auth", f.config.AuthAddress, nil)
	if err != nil {
		return nil, err
	}

	info, err := f.requestTicket(auth)
	if err != nil {
		return nil, abort(err, auth)
	}

	if err := auth.Close(); err != nil {
		f.logger().WithError(err).Warn("Closing the authentication connection errored")
	}

	info.TicketKey = DeriveTicketKey(f.config.PID, f.config.Password)
	if info.Ticket, err = OpenTicket(info.TicketKey, info.SealedTicket); err != nil {
		return nil, err
	}

	f.logger().WithFields(log.Fields{
		"secure-station": info.SecureStation,
		"server-name":    info.ServerName,
	}).Info("Authenticated")

	return info, nil
}

func (f *flow) requestTicket(auth *nex.Service) (*Info, error) {
	args := nexbuf.NewWriter()
	args.WriteString(strconv.FormatUint(uint64(f.config.PID), 10))

	r, err := f.call(auth, ProtocolAuthentication, MethodLogin, args.Bytes())
	if err != nil {
		return nil, fmt.Errorf("login: Login failed: %w", err)
	}

	if result := r.ReadU32(); nex.IsFailure(result) {
		return nil, &ResultError{Method: "Login", Code: result}
	}

	info := &Info{PID: r.ReadU32(), LoginTicket: r.ReadBuffer()}
	stationURL := r.ReadString()
	if r.ReadU32() != 0 {
		f.logger().Debug("Ignoring special protocols of the Login response")
	}
	_ = r.ReadString()
	info.ServerName = r.ReadString()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("login: malformed Login response: %w", err)
	}

	if info.SecureStation, err = ParseStationURL(stationURL); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	args = nexbuf.NewWriter()
	args.WriteU32(f.config.PID)
	args.WriteU32(info.SecureStation.PID)

	if r, err = f.call(auth, ProtocolAuthentication, MethodRequestTicket, args.Bytes()); err != nil {
		return nil, fmt.Errorf("login: RequestTicket failed: %w", err)
	}

	if result := r.ReadU32(); nex.IsFailure(result) {
		return nil, &ResultError{Method: "RequestTicket", Code: result}
	}

	info.SealedTicket = r.ReadBuffer()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("login: malformed RequestTicket response: %w", err)
	}

	return info, nil
}

// register connects to the secure server and performs RegisterEx.
func (f *flow) register(info *Info) (*nex.Service, error) {
	secure, err := f.connect("secure", info.SecureStation.HostPort(), &prudp.SecureHandshake{
		SessionKey:   info.Ticket.SessionKey,
		SecureTicket: info.Ticket.SecureTicket,
		UserPID:      f.config.PID,
		ServerCID:    info.SecureStation.CID,
	})
	if err != nil {
		return nil, err
	}

	args := nexbuf.NewWriter()
	args.WriteU32(1)
	args.WriteString(ClientStationURL(secure.LocalPort()))
	args.WriteCustomType(loginDataType, func(w *nexbuf.Writer) {
		w.WriteString(f.config.Token)
	})
	if err := args.Err(); err != nil {
		return nil, abort(err, secure)
	}

	r, err := f.call(secure, ProtocolSecure, MethodRegisterEx, args.Bytes())
	if err != nil {
		return nil, abort(fmt.Errorf("login: RegisterEx failed: %w", err), secure)
	}

	result := r.ReadU32()
	if err := r.Err(); err != nil {
		return nil, abort(fmt.Errorf("login: malformed RegisterEx response: %w", err), secure)
	}
	if nex.IsFailure(result) {
		return nil, abort(&ResultError{Method: "RegisterEx", Code: result}, secure)
	}

	f.logger().WithField("local-port", secure.LocalPort()).Info("Registered at the secure server")
	return secure, nil
}
