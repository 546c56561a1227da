// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/nex"
	"github.com/nexcore/nexcore/pkg/nexbuf"
)

const (
	// ProtocolNotification carries server-initiated notifications.
	ProtocolNotification uint8 = 100

	errUnknownMethod uint32 = nex.FailureBit
)

// NotificationRelay returns a nex.RequestHandler for ProtocolNotification which
// publishes every notification as a NotificationEvent. It runs on the goroutine
// driving the Service, which must not block.
func NotificationRelay(publish func(Event), now func() time.Time) nex.RequestHandler {
	if now == nil {
		now = time.Now
	}

	return func(req *nex.Request) ([]byte, uint32) {
		if req.MethodID != 1 && req.MethodID != 2 {
			log.WithField("method", req.MethodID).Debug("Notification relay received unknown method")
			return nil, errUnknownMethod
		}

		r := nexbuf.NewReader(req.Args)
		ev := &NotificationEvent{
			Method: req.MethodID,
			Type:   r.ReadU32(),
			PID:    r.ReadU32(),
			Time:   now(),
		}

		// Malformed notifications are still acknowledged.
		if err := r.Err(); err != nil {
			log.WithError(err).WithField("call", req.CallID).Warn("Dropping malformed notification")
			return nil, 0
		}
		ev.Data = append([]byte(nil), r.Remaining()...)

		log.WithFields(log.Fields{
			"method": ev.Method,
			"type":   ev.Type,
			"pid":    ev.PID,
		}).Debug("Relaying notification")

		publish(ev)
		return nil, 0
	}
}
