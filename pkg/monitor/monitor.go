// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor exposes the state of a running client over HTTP.
//
// The following endpoints are served:
//
//	GET /sessions  JSON list of all Service statuses
//	GET /metrics   Prometheus exposition
//	GET /ws        WebSocket streaming CBOR encoded Events
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
	"github.com/nexcore/nexcore/pkg/nex"
)

// clientBacklog is the amount of Events queued per websocket client before Events
// are dropped for this client.
const clientBacklog = 64

// StatusSource is implemented by nex.Service.
type StatusSource interface {
	Status() nex.Status
}

// Monitor serves the HTTP endpoints. Its zero value is not usable; use New.
type Monitor struct {
	router   *mux.Router
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	servicesMutex sync.RWMutex
	services      []StatusSource

	clientsMutex sync.Mutex
	clients      map[*wsClient]struct{}

	server   *http.Server
	listener net.Listener
}

type wsClient struct {
	conn   *websocket.Conn
	events chan []byte
}

// New creates a Monitor with its own Prometheus registry.
func New() (*Monitor, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := instrument.Register(registry); err != nil {
		return nil, err
	}

	m := &Monitor{
		router:   mux.NewRouter(),
		registry: registry,
		clients:  make(map[*wsClient]struct{}),
	}

	m.router.HandleFunc("/sessions", m.handleSessions).Methods(http.MethodGet)
	m.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	m.router.HandleFunc("/ws", m.handleWebSocket)

	return m, nil
}

func (m *Monitor) log() *log.Entry {
	if m.listener == nil {
		return log.WithField("monitor", "unbound")
	}
	return log.WithField("monitor", m.listener.Addr().String())
}

// ServeHTTP makes a Monitor a http.Handler.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// Start serving on address, e.g., "localhost:8080".
func (m *Monitor) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	m.listener = listener
	m.server = &http.Server{Handler: m.router}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log().WithError(err).Error("Monitor's HTTP server errored")
		}
	}()

	m.log().Info("Monitor started")
	return nil
}

// Addr of the listening socket, nil before Start.
func (m *Monitor) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close the HTTP server and all websocket clients.
func (m *Monitor) Close() (err error) {
	if m.server != nil {
		err = m.server.Close()
	}

	m.clientsMutex.Lock()
	for client := range m.clients {
		delete(m.clients, client)
		close(client.events)
	}
	m.clientsMutex.Unlock()

	return
}

// AddService to the /sessions listing.
func (m *Monitor) AddService(s StatusSource) {
	m.servicesMutex.Lock()
	defer m.servicesMutex.Unlock()

	m.services = append(m.services, s)
}

// RemoveService from the /sessions listing.
func (m *Monitor) RemoveService(s StatusSource) {
	m.servicesMutex.Lock()
	defer m.servicesMutex.Unlock()

	for i, other := range m.services {
		if other == s {
			m.services = append(m.services[:i], m.services[i+1:]...)
			return
		}
	}
}

// OnStateChange publishes a StateEvent. Its signature matches nex.Config.OnStateChange.
func (m *Monitor) OnStateChange(name string, state nex.State) {
	m.Publish(&StateEvent{Service: name, State: state.String(), Time: time.Now()})
}

// Publish an Event to all websocket clients. Slow clients miss Events.
func (m *Monitor) Publish(ev Event) {
	buf := new(bytes.Buffer)
	if err := MarshalEvent(ev, buf); err != nil {
		m.log().WithError(err).Warn("Marshalling event errored")
		return
	}
	data := buf.Bytes()

	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for client := range m.clients {
		select {
		case client.events <- data:
		default:
			m.log().WithField("client", client.conn.RemoteAddr().String()).Warn("Dropping event for slow websocket client")
		}
	}
}

func (m *Monitor) handleSessions(w http.ResponseWriter, _ *http.Request) {
	m.servicesMutex.RLock()
	statuses := make([]nex.Status, 0, len(m.services))
	for _, s := range m.services {
		statuses = append(statuses, s.Status())
	}
	m.servicesMutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		m.log().WithError(err).Warn("Failed to write sessions response")
	}
}

// handleWebSocket will be called for each HTTP request to /ws.
func (m *Monitor) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, connErr := m.upgrader.Upgrade(rw, r, nil)
	if connErr != nil {
		m.log().WithError(connErr).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := &wsClient{conn: conn, events: make(chan []byte, clientBacklog)}

	m.clientsMutex.Lock()
	m.clients[client] = struct{}{}
	m.clientsMutex.Unlock()

	m.log().WithField("client", conn.RemoteAddr().String()).Debug("WebSocket client connected")

	go m.readClient(client)
	m.writeClient(client)
}

// readClient discards everything sent by the client until its connection breaks.
func (m *Monitor) readClient(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			m.removeClient(client)
			return
		}
	}
}

func (m *Monitor) removeClient(client *wsClient) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client]; ok {
		delete(m.clients, client)
		close(client.events)
	}
}

func (m *Monitor) writeClient(client *wsClient) {
	defer func() {
		m.removeClient(client)
		_ = client.conn.Close()
	}()

	for data := range client.events {
		if err := client.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			m.log().WithError(err).Debug("Writing to WebSocket client errored")
			return
		}
	}

	_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (m *Monitor) clientCount() int {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	return len(m.clients)
}
