// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/dtn7/cboring"
)

// Event is streamed to every websocket client as a CBOR array of its type code and
// its body.
type Event interface {
	// typeCode identifies each Event type, see eventMapping.
	typeCode() uint64

	cboring.CborMarshaler
}

const (
	eventStateCode        uint64 = 0
	eventNotificationCode uint64 = 1
)

var eventMapping = map[uint64]reflect.Type{
	eventStateCode:        reflect.TypeOf(StateEvent{}),
	eventNotificationCode: reflect.TypeOf(NotificationEvent{}),
}

// MarshalEvent writes an Event wrapped with its type code.
func MarshalEvent(ev Event, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ev.typeCode(), w); err != nil {
		return err
	}
	return cboring.Marshal(ev, w)
}

// UnmarshalEvent reads an Event based on its type code.
func UnmarshalEvent(r io.Reader) (ev Event, err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		err = arrErr
		return
	} else if n != 2 {
		err = fmt.Errorf("expected array of two elements, got %d", n)
		return
	}

	if n, typeErr := cboring.ReadUInt(r); typeErr != nil {
		err = typeErr
		return
	} else if t, ok := eventMapping[n]; !ok {
		err = fmt.Errorf("no known event type code %d", n)
		return
	} else {
		ev = reflect.New(t).Interface().(Event)
	}

	err = cboring.Unmarshal(ev, r)
	return
}

func writeTime(t time.Time, w io.Writer) error {
	return cboring.WriteUInt(uint64(t.UnixMilli()), w)
}

func readTime(r io.Reader) (time.Time, error) {
	ms, err := cboring.ReadUInt(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)), nil
}

// StateEvent reports a Service changing its state.
type StateEvent struct {
	Service string
	State   string
	Time    time.Time
}

func (_ *StateEvent) typeCode() uint64 {
	return eventStateCode
}

func (se *StateEvent) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(se.Service, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(se.State, w); err != nil {
		return err
	}
	return writeTime(se.Time, w)
}

func (se *StateEvent) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 3 {
		return fmt.Errorf("expected array of three elements, got %d", n)
	}

	if se.Service, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if se.State, err = cboring.ReadTextString(r); err != nil {
		return
	}
	se.Time, err = readTime(r)
	return
}

// NotificationEvent is a notification pushed by the server.
type NotificationEvent struct {
	Method uint32
	Type   uint32
	PID    uint32
	// Data following the PID, not interpreted.
	Data []byte
	Time time.Time
}

func (_ *NotificationEvent) typeCode() uint64 {
	return eventNotificationCode
}

func (ne *NotificationEvent) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	for _, n := range []uint32{ne.Method, ne.Type, ne.PID} {
		if err := cboring.WriteUInt(uint64(n), w); err != nil {
			return err
		}
	}
	if err := cboring.WriteByteString(ne.Data, w); err != nil {
		return err
	}
	return writeTime(ne.Time, w)
}

func (ne *NotificationEvent) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 5 {
		return fmt.Errorf("expected array of five elements, got %d", n)
	}

	for _, field := range []*uint32{&ne.Method, &ne.Type, &ne.PID} {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*field = uint32(n)
	}

	data, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	ne.Data = data

	ne.Time, err = readTime(r)
	return err
}
