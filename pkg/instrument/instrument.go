// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package instrument holds the Prometheus collectors of the transport and RPC layers.
//
// The collectors are package-level and always usable; Register exposes them on a
// prometheus.Registerer, e.g., the one served by the monitor.
package instrument

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexcore"

var (
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "packets_sent_total",
			Help:      "Number of sent PRUDP packets by packet type",
		},
		[]string{"type"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "packets_received_total",
			Help:      "Number of decoded PRUDP packets by packet type",
		},
		[]string{"type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "packets_dropped_total",
			Help:      "Number of dropped PRUDP packets by reason",
		},
		[]string{"reason"},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "retransmissions_total",
			Help:      "Number of resent reliable packets",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "handshakes_total",
			Help:      "Number of finished handshakes by outcome",
		},
		[]string{"outcome"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prudp",
			Name:      "disconnects_total",
			Help:      "Number of connections entering the disconnected state by cause",
		},
		[]string{"cause"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nex",
			Name:      "calls_total",
			Help:      "Number of completed RPC calls by outcome",
		},
		[]string{"outcome"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nex",
			Name:      "inbound_requests_total",
			Help:      "Number of server-initiated requests by protocol",
		},
		[]string{"protocol"},
	)
	liveServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "live_services",
			Help:      "Number of services driven by the background scheduler",
		},
	)
)

var collectors = []prometheus.Collector{
	packetsSent, packetsReceived, packetsDropped, retransmissions,
	handshakes, disconnects, calls, requests, liveServices,
}

var registered sync.Map

// Register all collectors on the given Registerer. Registering twice on the same
// Registerer is a no-op.
func Register(reg prometheus.Registerer) error {
	if _, loaded := registered.LoadOrStore(reg, struct{}{}); loaded {
		return nil
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			registered.Delete(reg)
			return err
		}
	}
	return nil
}

func PacketSent(packetType string) {
	packetsSent.WithLabelValues(packetType).Inc()
}

func PacketReceived(packetType string) {
	packetsReceived.WithLabelValues(packetType).Inc()
}

func PacketDropped(reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

func Retransmission() {
	retransmissions.Inc()
}

func Handshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

func Disconnect(cause string) {
	disconnects.WithLabelValues(cause).Inc()
}

func CallCompleted(outcome string) {
	calls.WithLabelValues(outcome).Inc()
}

func InboundRequest(protocol string) {
	requests.WithLabelValues(protocol).Inc()
}

func ServiceAdded() {
	liveServices.Inc()
}

func ServiceRemoved() {
	liveServices.Dec()
}
