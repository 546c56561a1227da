// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
	"github.com/nexcore/nexcore/pkg/prudp"
	"github.com/nexcore/nexcore/pkg/scheduler"
)

// DefaultCallTimeout after which an unanswered call fails with ErrTimeout.
const DefaultCallTimeout = 10 * time.Second

// State of a Service, following its connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RequestHandler answers a server-initiated request. A zero error code results in
// a success response carrying result.
type RequestHandler func(req *Request) (result []byte, errorCode uint32)

// Config of a Service.
type Config struct {
	// Name identifies the Service in logs and status reports, e.g., "auth".
	Name string

	// CallTimeout is DefaultCallTimeout if zero.
	CallTimeout time.Duration

	// CallIDs is shared by all Services of a client. A new generator starting at 1 is used if nil.
	CallIDs *CallIDGenerator

	// OnStateChange is invoked from Update whenever the State changes.
	OnStateChange func(name string, state State)
}

// Status is a snapshot of a Service, safe to be read from any goroutine.
type Status struct {
	Name       string       `json:"name"`
	State      State        `json:"state"`
	Connection prudp.Status `json:"connection"`
	Queued     int          `json:"queued"`
	InFlight   int          `json:"in_flight"`
	Completed  uint64       `json:"completed"`
	TimedOut   uint64       `json:"timed_out"`
	Requests   uint64       `json:"requests"`
	Updated    time.Time    `json:"updated"`
}

// Service correlates RPC calls and responses on top of a prudp.Connection.
//
// Call, Destroy and Status may be used from any goroutine. Update must only be called
// by one goroutine, which owns the Connection and all in-flight calls.
type Service struct {
	conn   *prudp.Connection
	config Config

	queueMutex  sync.Mutex
	queue       []*PendingCall
	queueClosed bool

	handlerMutex sync.RWMutex
	handlers     map[uint8]RequestHandler

	destroyMutex sync.Mutex
	async        bool
	destroyed    bool
	tornDown     bool

	statusMutex sync.RWMutex
	status      Status

	// Owned by the goroutine calling Update.
	inFlight  map[uint32]*PendingCall
	state     State
	completed uint64
	timedOut  uint64
	requests  uint64
}

// NewService wraps a Connection, which is owned by the Service afterwards.
func NewService(conn *prudp.Connection, config Config) *Service {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.CallIDs == nil {
		config.CallIDs = NewCallIDGenerator(1)
	}

	s := &Service{
		conn:     conn,
		config:   config,
		handlers: make(map[uint8]RequestHandler),
		inFlight: make(map[uint32]*PendingCall),
		state:    serviceState(conn.State()),
	}
	s.status = s.snapshot(time.Time{})
	return s
}

func serviceState(state prudp.ConnectionState) State {
	switch state {
	case prudp.StateConnected:
		return StateConnected
	case prudp.StateDisconnected:
		return StateDisconnected
	default:
		return StateConnecting
	}
}

// logger returns a new logrus.Entry.
func (s *Service) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"service":    s.config.Name,
		"prudp-port": s.conn.LocalPort(),
	})
}

// Name of this Service.
func (s *Service) Name() string {
	return s.config.Name
}

// LocalPort of the underlying Connection.
func (s *Service) LocalPort() uint16 {
	return s.conn.LocalPort()
}

// Call queues a request. The callback, which might be nil, is invoked on success and on
// local errors; for errors reported by the server only if handleErrors is set. The
// returned PendingCall completes in any case.
func (s *Service) Call(protocolID uint8, methodID uint32, args []byte, callback Callback, handleErrors bool) *PendingCall {
	pc := newPendingCall(protocolID, methodID, args, callback, handleErrors)

	s.destroyMutex.Lock()
	dead := s.destroyed || s.tornDown
	s.destroyMutex.Unlock()

	if dead || s.Status().State == StateDisconnected {
		resp := &Response{Err: ErrNoConnection}
		if pc.complete(resp) {
			countOutcome(resp)
		}
		return pc
	}

	s.queueMutex.Lock()
	if s.queueClosed {
		s.queueMutex.Unlock()

		resp := &Response{Err: ErrNoConnection}
		if pc.complete(resp) {
			countOutcome(resp)
		}
		return pc
	}
	s.queue = append(s.queue, pc)
	s.queueMutex.Unlock()

	return pc
}

// RegisterHandler installs the handler of server-initiated requests for a protocol.
func (s *Service) RegisterHandler(protocolID uint8, handler RequestHandler) {
	s.handlerMutex.Lock()
	defer s.handlerMutex.Unlock()

	s.handlers[protocolID&^RequestBit] = handler
}

func (s *Service) handler(protocolID uint8) (handler RequestHandler, ok bool) {
	s.handlerMutex.RLock()
	defer s.handlerMutex.RUnlock()

	handler, ok = s.handlers[protocolID]
	return
}

// Update drives the Connection, sends queued calls, processes received frames and
// fails calls exceeding the call timeout.
func (s *Service) Update(now time.Time) {
	s.destroyMutex.Lock()
	tornDown := s.tornDown
	s.destroyMutex.Unlock()
	if tornDown {
		return
	}

	s.conn.Update(now)
	s.setState(serviceState(s.conn.State()))

	switch s.state {
	case StateConnected:
		s.receive(now)
		s.flush(now)

	case StateConnecting:
		s.expireQueued(now)

	case StateDisconnected:
		for _, pc := range s.takeQueue() {
			s.finish(pc, &Response{Err: ErrNoConnection})
		}
	}

	s.expireInFlight(now)

	s.statusMutex.Lock()
	s.status = s.snapshot(now)
	s.statusMutex.Unlock()
}

func (s *Service) setState(state State) {
	if state == s.state {
		return
	}

	s.logger().WithFields(log.Fields{
		"old": s.state,
		"new": state,
	}).Info("Service changed its state")

	s.state = state
	if s.config.OnStateChange != nil {
		s.config.OnStateChange(s.config.Name, state)
	}
}

func (s *Service) takeQueue() (queue []*PendingCall) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	queue, s.queue = s.queue, nil
	return
}

// closeQueue takes the queue and rejects every later Call.
func (s *Service) closeQueue() (queue []*PendingCall) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	s.queueClosed = true
	queue, s.queue = s.queue, nil
	return
}

// flush sends every queued call.
func (s *Service) flush(now time.Time) {
	for _, pc := range s.takeQueue() {
		callID := s.config.CallIDs.Next()
		pc.callID.Store(callID)

		req := &Request{ProtocolID: pc.protocolID, CallID: callID, MethodID: pc.methodID, Args: pc.args}
		if err := s.conn.SendReliable(req.Encode(), now); err != nil {
			if errors.Is(err, prudp.ErrNotConnected) {
				err = ErrNoConnection
			}
			s.finish(pc, &Response{Err: err})
			continue
		}

		pc.sentAt = now
		s.inFlight[callID] = pc

		s.logger().WithFields(log.Fields{
			"protocol": pc.protocolID,
			"method":   pc.methodID,
			"call":     callID,
		}).Debug("Sent request")
	}
}

// expireQueued fails calls which were queued for longer than the call timeout
// without the connection being established.
func (s *Service) expireQueued(now time.Time) {
	s.queueMutex.Lock()
	var expired []*PendingCall
	kept := s.queue[:0]
	for _, pc := range s.queue {
		if pc.queuedAt.IsZero() {
			pc.queuedAt = now
		}
		if now.Sub(pc.queuedAt) >= s.config.CallTimeout {
			expired = append(expired, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	s.queue = kept
	s.queueMutex.Unlock()

	for _, pc := range expired {
		s.timedOut++
		s.finish(pc, &Response{Err: ErrTimeout})
	}
}

func (s *Service) expireInFlight(now time.Time) {
	for callID, pc := range s.inFlight {
		if now.Sub(pc.sentAt) < s.config.CallTimeout {
			continue
		}

		delete(s.inFlight, callID)
		s.timedOut++

		s.logger().WithFields(log.Fields{
			"protocol": pc.protocolID,
			"method":   pc.methodID,
			"call":     callID,
		}).Warn("Call timed out")

		s.finish(pc, &Response{Err: ErrTimeout})
	}
}

// receive every complete frame of the Connection.
func (s *Service) receive(now time.Time) {
	for {
		frame, ok := s.conn.Drain()
		if !ok {
			return
		}

		if IsRequest(frame) {
			s.handleRequest(frame, now)
		} else {
			s.handleResponse(frame)
		}
	}
}

func (s *Service) handleRequest(frame []byte, now time.Time) {
	req, err := ParseRequest(frame)
	if err != nil {
		s.logger().WithError(err).Warn("Dropping malformed request")
		return
	}

	s.requests++
	instrument.InboundRequest(strconv.Itoa(int(req.ProtocolID)))

	handler, ok := s.handler(req.ProtocolID)
	if !ok {
		s.logger().WithField("protocol", req.ProtocolID).Debug("No handler for request")
		return
	}

	var reply []byte
	if result, code := handler(req); code == 0 {
		reply = EncodeSuccess(req.ProtocolID, req.CallID, req.MethodID, result)
	} else {
		reply = EncodeError(req.ProtocolID, req.CallID, code)
	}

	if err := s.conn.SendReliable(reply, now); err != nil {
		s.logger().WithError(err).Warn("Sending response failed")
	}
}

func (s *Service) handleResponse(frame []byte) {
	resp, err := ParseResponse(frame)
	if err != nil {
		s.logger().WithError(err).Warn("Dropping malformed response")
		return
	}

	pc, ok := s.inFlight[resp.CallID]
	if !ok || pc.protocolID != resp.ProtocolID || (resp.MethodID != pc.methodID && resp.MethodID != MethodWildcard) {
		s.logger().WithFields(log.Fields{
			"protocol": resp.ProtocolID,
			"method":   resp.MethodID,
			"call":     resp.CallID,
		}).Debug("Response matches no call")
		return
	}

	delete(s.inFlight, resp.CallID)
	s.finish(pc, resp)
}

// finish completes a call and counts its outcome.
func (s *Service) finish(pc *PendingCall, resp *Response) {
	if !pc.complete(resp) {
		return
	}

	s.completed++
	countOutcome(resp)
}

func countOutcome(resp *Response) {
	var serverErr *ServerError
	switch {
	case resp.Err == nil:
		instrument.CallCompleted("success")
	case errors.As(resp.Err, &serverErr):
		instrument.CallCompleted("server-error")
	case errors.Is(resp.Err, ErrTimeout):
		instrument.CallCompleted("timeout")
	case errors.Is(resp.Err, ErrNoConnection):
		instrument.CallCompleted("no-connection")
	default:
		instrument.CallCompleted("error")
	}
}

// Do issues a call and drives the Service until it completes or ctx is done. This
// is meant for Services which are not processed by a scheduler.
func (s *Service) Do(ctx context.Context, protocolID uint8, methodID uint32, args []byte, interval time.Duration) (*Response, error) {
	pc := s.Call(protocolID, methodID, args, nil, true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.Update(time.Now())

		select {
		case <-pc.Done():
			resp := pc.Response()
			return resp, resp.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterForAsyncProcessing hands this Service to a Scheduler, which drives it
// from now on. Registering twice has no effect.
func (s *Service) RegisterForAsyncProcessing(sched *scheduler.Scheduler) {
	s.destroyMutex.Lock()
	if s.async {
		s.destroyMutex.Unlock()
		return
	}
	s.async = true
	s.destroyMutex.Unlock()

	sched.Register(s)
}

// Destroy this Service. A Service driven by a Scheduler is only marked and torn
// down by the Scheduler after its current pass. Otherwise, it is torn down at once.
func (s *Service) Destroy() {
	s.destroyMutex.Lock()
	if s.async {
		s.destroyed = true
		s.destroyMutex.Unlock()
		return
	}
	s.destroyMutex.Unlock()

	s.Teardown()
}

// MarkedForDestruction reports whether Destroy was called on an asynchronous Service.
func (s *Service) MarkedForDestruction() bool {
	s.destroyMutex.Lock()
	defer s.destroyMutex.Unlock()
	return s.destroyed
}

// Teardown fails every pending call with ErrTimeout and closes the Connection. It
// must be called from the goroutine owning the Service, i.e., the scheduler for
// asynchronous Services.
func (s *Service) Teardown() {
	if err := s.teardown(); err != nil {
		s.logger().WithError(err).Warn("Closing connection errored")
	}
}

// Close tears down a synchronous Service like Destroy, but reports a failure to
// close the Connection.
func (s *Service) Close() error {
	return s.teardown()
}

func (s *Service) teardown() error {
	s.destroyMutex.Lock()
	if s.tornDown {
		s.destroyMutex.Unlock()
		return nil
	}
	s.tornDown = true
	s.destroyMutex.Unlock()

	pending := s.closeQueue()
	for _, pc := range s.inFlight {
		pending = append(pending, pc)
	}
	s.inFlight = make(map[uint32]*PendingCall)

	s.logger().WithField("pending", len(pending)).Info("Tearing down service")

	for _, pc := range pending {
		s.finish(pc, &Response{Err: ErrTimeout})
	}

	err := s.conn.Close()
	s.setState(StateDisconnected)

	s.statusMutex.Lock()
	s.status = s.snapshot(s.status.Updated)
	s.statusMutex.Unlock()

	return err
}

// Status returns the latest snapshot, refreshed by every Update.
func (s *Service) Status() Status {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.status
}

func (s *Service) snapshot(now time.Time) Status {
	s.queueMutex.Lock()
	queued := len(s.queue)
	s.queueMutex.Unlock()

	return Status{
		Name:       s.config.Name,
		State:      s.state,
		Connection: s.conn.Status(),
		Queued:     queued,
		InFlight:   len(s.inFlight),
		Completed:  s.completed,
		TimedOut:   s.timedOut,
		Requests:   s.requests,
		Updated:    now,
	}
}
