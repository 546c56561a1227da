// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexcore/nexcore/pkg/prudp"
	"github.com/nexcore/nexcore/pkg/prudp/prudptest"
	"github.com/nexcore/nexcore/pkg/scheduler"
)

const testAccessKey = "hg7j1f8x"

// rpcServer answers every request through reply; a nil reply stays unanswered.
func rpcServer(reply func(req *Request) []byte) *prudptest.Server {
	return prudptest.NewServer(testAccessKey, func(payload []byte) [][]byte {
		if !IsRequest(payload) {
			return nil
		}
		req, err := ParseRequest(payload)
		if err != nil {
			return nil
		}
		if frame := reply(req); frame != nil {
			return [][]byte{frame}
		}
		return nil
	})
}

// driveUntil updates s in real time until cond holds.
func driveUntil(t *testing.T, s *Service, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, service is %v", s.Status().State)
		}
		s.Update(time.Now())
		time.Sleep(time.Millisecond)
	}
}

func connectService(t *testing.T, network *prudptest.Network, address string, config Config) *Service {
	t.Helper()

	conn, err := prudp.Dial(network.Dial, address, prudp.Config{AccessKey: testAccessKey}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	s := NewService(conn, config)
	driveUntil(t, s, func() bool { return s.Status().State == StateConnected })
	return s
}

func TestServiceCallSuccess(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(req *Request) []byte {
		return EncodeSuccess(req.ProtocolID, req.CallID, req.MethodID, append([]byte("re:"), req.Args...))
	}))

	s := connectService(t, network, "auth:1", Config{Name: "auth"})
	defer s.Destroy()

	var invoked atomic.Int32
	pc := s.Call(10, 1, []byte("ping"), func(resp *Response) { invoked.Add(1) }, false)

	driveUntil(t, s, func() bool { return pc.Response() != nil })

	resp := pc.Response()
	if !resp.Success() || string(resp.Data) != "re:ping" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.CallID != 1 || pc.CallID() != 1 {
		t.Fatalf("first call has ID %d", resp.CallID)
	}
	if invoked.Load() != 1 {
		t.Fatalf("callback invoked %d times", invoked.Load())
	}

	status := s.Status()
	if status.InFlight != 0 || status.Completed != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServiceServerError(t *testing.T) {
	for _, handleErrors := range []bool{true, false} {
		network := prudptest.NewNetwork()
		network.Listen("auth:1", rpcServer(func(req *Request) []byte {
			return EncodeError(req.ProtocolID, req.CallID, 0x80000001)
		}))

		s := connectService(t, network, "auth:1", Config{CallIDs: NewCallIDGenerator(7)})

		var invoked atomic.Int32
		var seen *Response
		pc := s.Call(10, 1, nil, func(resp *Response) {
			invoked.Add(1)
			seen = resp
		}, handleErrors)

		driveUntil(t, s, func() bool { return pc.Response() != nil })

		resp := pc.Response()
		if resp.ErrorCode() != 0x80000001 || resp.CallID != 7 {
			t.Fatalf("unexpected response %+v", resp)
		}

		if handleErrors {
			if invoked.Load() != 1 || seen.ErrorCode() != 0x80000001 {
				t.Fatalf("callback invoked %d times with %+v", invoked.Load(), seen)
			}
		} else if invoked.Load() != 0 {
			t.Fatal("callback invoked for an unhandled server error")
		}

		if s.Status().InFlight != 0 {
			t.Fatal("call is still in flight")
		}

		s.Destroy()
	}
}

func TestServiceCallTimeout(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(*Request) []byte { return nil }))

	s := connectService(t, network, "auth:1", Config{})
	defer s.Destroy()

	var invoked atomic.Int32
	var seen *Response
	pc := s.Call(10, 1, nil, func(resp *Response) {
		invoked.Add(1)
		seen = resp
	}, false)

	sent := time.Now()
	s.Update(sent)
	if s.Status().InFlight != 1 {
		t.Fatalf("call is not in flight: %+v", s.Status())
	}

	s.Update(sent.Add(DefaultCallTimeout - time.Millisecond))
	if pc.Response() != nil {
		t.Fatal("call completed before its timeout")
	}

	s.Update(sent.Add(DefaultCallTimeout + time.Millisecond))
	s.Update(sent.Add(DefaultCallTimeout + 2*time.Millisecond))

	if invoked.Load() != 1 || !errors.Is(seen.Err, ErrTimeout) {
		t.Fatalf("callback invoked %d times with %+v", invoked.Load(), seen)
	}
	if status := s.Status(); status.InFlight != 0 || status.TimedOut != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServiceRequestHandler(t *testing.T) {
	srv := rpcServer(func(*Request) []byte { return nil })
	network := prudptest.NewNetwork()
	network.Listen("secure:1", srv)

	s := connectService(t, network, "secure:1", Config{})
	defer s.Destroy()

	s.RegisterHandler(100, func(req *Request) ([]byte, uint32) {
		if req.MethodID != 1 {
			return nil, 0x80000000
		}
		return []byte{0x01}, 0
	})

	srv.Push((&Request{ProtocolID: 100, CallID: 0x20, MethodID: 1}).Encode())
	srv.Push((&Request{ProtocolID: 100, CallID: 0x21, MethodID: 9}).Encode())

	driveUntil(t, s, func() bool { return len(srv.Received()) >= 2 })

	received := srv.Received()
	ok, err := ParseResponse(received[0])
	if err != nil || !ok.Success() || ok.CallID != 0x20 || ok.MethodID != 1 || string(ok.Data) != "\x01" {
		t.Fatalf("unexpected reply %+v, %v", ok, err)
	}

	failed, err := ParseResponse(received[1])
	if err != nil || failed.ErrorCode() != 0x80000000 || failed.CallID != 0x21 {
		t.Fatalf("unexpected reply %+v, %v", failed, err)
	}

	if s.Status().Requests != 2 {
		t.Fatalf("counted %d requests", s.Status().Requests)
	}
}

func TestServiceDisconnected(t *testing.T) {
	srv := prudptest.NewServer(testAccessKey, nil)
	srv.Silent = true
	network := prudptest.NewNetwork()
	network.Listen("void:1", srv)

	t0 := time.Now()
	conn, err := prudp.Dial(network.Dial, "void:1", prudp.Config{AccessKey: testAccessKey}, t0)
	if err != nil {
		t.Fatal(err)
	}

	var states []State
	s := NewService(conn, Config{OnStateChange: func(_ string, state State) { states = append(states, state) }})
	defer s.Destroy()

	queued := s.Call(10, 1, nil, nil, false)

	for i := 1; i <= 6; i++ {
		s.Update(t0.Add(time.Duration(i) * 1200 * time.Millisecond))
	}

	if s.Status().State != StateDisconnected {
		t.Fatalf("service is %v", s.Status().State)
	}
	if len(states) != 1 || states[0] != StateDisconnected {
		t.Fatalf("unexpected state changes %v", states)
	}

	// Queued while connecting: either expired or failed when the connection died.
	if resp := queued.Response(); resp == nil || resp.Success() {
		t.Fatalf("queued call completed with %+v", resp)
	}

	var invoked bool
	pc := s.Call(10, 1, nil, func(*Response) { invoked = true }, false)
	if resp := pc.Response(); resp == nil || !errors.Is(resp.Err, ErrNoConnection) {
		t.Fatalf("call on a dead service completed with %+v", resp)
	}
	if !invoked {
		t.Fatal("callback not invoked for a local error")
	}
}

func TestServiceQueuedCallExpires(t *testing.T) {
	srv := prudptest.NewServer(testAccessKey, nil)
	srv.Silent = true
	network := prudptest.NewNetwork()
	network.Listen("void:1", srv)

	t0 := time.Now()
	conn, err := prudp.Dial(network.Dial, "void:1", prudp.Config{AccessKey: testAccessKey}, t0)
	if err != nil {
		t.Fatal(err)
	}

	s := NewService(conn, Config{CallTimeout: 500 * time.Millisecond})
	defer s.Destroy()

	pc := s.Call(10, 1, nil, nil, false)
	s.Update(t0)
	s.Update(t0.Add(400 * time.Millisecond))
	if pc.Response() != nil {
		t.Fatal("queued call expired early")
	}

	s.Update(t0.Add(500 * time.Millisecond))
	if resp := pc.Response(); resp == nil || !errors.Is(resp.Err, ErrTimeout) {
		t.Fatalf("queued call completed with %+v", resp)
	}
}

func TestServiceDestroy(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(*Request) []byte { return nil }))

	s := connectService(t, network, "auth:1", Config{})

	inFlight := s.Call(10, 1, nil, nil, false)
	s.Update(time.Now())
	queued := s.Call(10, 2, nil, nil, false)

	s.Destroy()

	for _, pc := range []*PendingCall{inFlight, queued} {
		if resp := pc.Response(); resp == nil || !errors.Is(resp.Err, ErrTimeout) {
			t.Fatalf("pending call completed with %+v", resp)
		}
	}
	if s.Status().State != StateDisconnected {
		t.Fatalf("destroyed service is %v", s.Status().State)
	}

	network.Wait()
	if network.PortsInUse() != 0 {
		t.Fatalf("%d ports still in use", network.PortsInUse())
	}

	if resp := s.Call(10, 1, nil, nil, false).Response(); resp == nil || !errors.Is(resp.Err, ErrNoConnection) {
		t.Fatalf("call on a destroyed service completed with %+v", resp)
	}
}

func TestServiceAsync(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(req *Request) []byte {
		return EncodeSuccess(req.ProtocolID, req.CallID, req.MethodID, nil)
	}))

	sched := scheduler.New(scheduler.Config{BusyInterval: time.Millisecond})
	defer sched.Close()

	s := connectService(t, network, "auth:1", Config{})
	s.RegisterForAsyncProcessing(sched)
	s.RegisterForAsyncProcessing(sched)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.Call(10, 1, nil, nil, false).Wait(ctx)
	if err != nil || !resp.Success() {
		t.Fatalf("call failed: %v, %+v", err, resp)
	}
	if sched.Len() != 1 {
		t.Fatalf("scheduler drives %d tasks", sched.Len())
	}

	pending := s.Call(10, 1, nil, nil, false)
	s.Destroy()
	if !s.MarkedForDestruction() {
		t.Fatal("asynchronous service is not marked")
	}

	if _, err := pending.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sched.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not sweep the service")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServiceDo(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(req *Request) []byte {
		if req.MethodID == 2 {
			return EncodeError(req.ProtocolID, req.CallID, 0x80030064)
		}
		return EncodeSuccess(req.ProtocolID, req.CallID, req.MethodID, []byte("done"))
	}))

	s := connectService(t, network, "auth:1", Config{})
	defer s.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.Do(ctx, 10, 1, nil, time.Millisecond)
	if err != nil || string(resp.Data) != "done" {
		t.Fatalf("call failed: %v, %+v", err, resp)
	}

	_, err = s.Do(ctx, 10, 2, nil, time.Millisecond)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != 0x80030064 {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestServiceCallDuringTeardown(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(*Request) []byte { return nil }))

	for i := 0; i < 50; i++ {
		s := connectService(t, network, "auth:1", Config{})

		var (
			wg    sync.WaitGroup
			mutex sync.Mutex
			calls []*PendingCall
		)
		start := make(chan struct{})

		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 100; j++ {
					pc := s.Call(10, 1, nil, nil, true)
					mutex.Lock()
					calls = append(calls, pc)
					mutex.Unlock()
				}
			}()
		}

		close(start)
		time.Sleep(time.Duration(i%5) * 50 * time.Microsecond)
		s.Teardown()
		wg.Wait()

		for _, pc := range calls {
			select {
			case <-pc.Done():
			case <-time.After(time.Second):
				t.Fatalf("iteration %d: call never completed after teardown", i)
			}

			err := pc.Response().Err
			if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrNoConnection) {
				t.Fatalf("iteration %d: call completed with %v", i, err)
			}
		}
	}

	network.Wait()
	if network.PortsInUse() != 0 {
		t.Fatalf("%d ports still in use", network.PortsInUse())
	}
}

func TestPendingCallIDConcurrentRead(t *testing.T) {
	network := prudptest.NewNetwork()
	network.Listen("auth:1", rpcServer(func(req *Request) []byte {
		return EncodeSuccess(req.ProtocolID, req.CallID, req.MethodID, nil)
	}))

	s := connectService(t, network, "auth:1", Config{CallIDs: NewCallIDGenerator(42)})
	defer s.Destroy()

	pc := s.Call(10, 1, nil, nil, false)

	seen := make(chan uint32)
	go func() {
		for {
			if id := pc.CallID(); id != 0 {
				seen <- id
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()

	driveUntil(t, s, func() bool { return pc.Response() != nil })

	select {
	case id := <-seen:
		if id != 42 {
			t.Fatalf("call has ID %d", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call ID was never observed")
	}
}
