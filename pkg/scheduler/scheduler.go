// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler drives many independent protocol state machines from a single
// goroutine.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
)

// Task is a state machine driven by the Scheduler, e.g., a nex.Service.
type Task interface {
	// Update advances the Task's state to now.
	Update(now time.Time)

	// MarkedForDestruction requests a Teardown after the current pass.
	MarkedForDestruction() bool

	// Teardown releases all of the Task's resources.
	Teardown()
}

// Config of a Scheduler.
type Config struct {
	// BusyInterval between two passes while Tasks are registered.
	BusyInterval time.Duration

	// IdleInterval between checking for new Tasks while none are registered.
	IdleInterval time.Duration

	// Clock returns the time passed to Update, time.Now if nil.
	Clock func() time.Time
}

// DefaultConfig returns a Config with a 5 ms busy and a 100 ms idle interval.
func DefaultConfig() Config {
	return Config{
		BusyInterval: 5 * time.Millisecond,
		IdleInterval: 100 * time.Millisecond,
		Clock:        time.Now,
	}
}

// Scheduler runs a goroutine calling Update on all registered Tasks. Tasks are only
// touched by this goroutine after being registered.
type Scheduler struct {
	config Config

	register chan Task
	live     []Task
	size     atomic.Int32

	closeMutex sync.Mutex
	closed     bool

	stopSyn   chan struct{}
	stopAck   chan struct{}
	closeOnce sync.Once
}

// New creates and starts a Scheduler.
func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.BusyInterval <= 0 {
		config.BusyInterval = def.BusyInterval
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = def.IdleInterval
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}

	s := &Scheduler{
		config:   config,
		register: make(chan Task, 64),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	go s.loop()

	return s
}

// Register a Task. It is updated starting with the next pass. Tasks registered
// after Close are torn down at once.
func (s *Scheduler) Register(task Task) {
	s.closeMutex.Lock()
	defer s.closeMutex.Unlock()

	if s.closed {
		log.WithField("task", fmt.Sprintf("%T", task)).Warn("Scheduler is closed, tearing down task")
		task.Teardown()
		return
	}

	s.register <- task
}

// Len is the number of live Tasks.
func (s *Scheduler) Len() int {
	return int(s.size.Load())
}

// Close stops the Scheduler and tears down all live Tasks.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.closeMutex.Lock()
		s.closed = true
		s.closeMutex.Unlock()

		close(s.stopSyn)
		<-s.stopAck
	})
}

func (s *Scheduler) loop() {
	timer := time.NewTimer(s.config.IdleInterval)
	defer timer.Stop()

	for {
		s.merge()

		interval := s.config.BusyInterval
		if len(s.live) == 0 {
			interval = s.config.IdleInterval
		} else {
			s.pass()
		}

		timer.Reset(interval)

		select {
		case <-s.stopSyn:
			s.shutdown()
			close(s.stopAck)
			return

		case task := <-s.register:
			s.add(task)
			if !timer.Stop() {
				<-timer.C
			}

		case <-timer.C:
		}
	}
}

// merge all newly registered Tasks into the live list.
func (s *Scheduler) merge() {
	for {
		select {
		case task := <-s.register:
			s.add(task)
		default:
			return
		}
	}
}

func (s *Scheduler) add(task Task) {
	s.live = append(s.live, task)
	s.size.Store(int32(len(s.live)))
	instrument.ServiceAdded()

	log.WithField("tasks", len(s.live)).Debug("Scheduler registered task")
}

// pass updates every live Task and sweeps those marked for destruction.
func (s *Scheduler) pass() {
	now := s.config.Clock()
	for _, task := range s.live {
		s.update(task, now)
	}

	kept := s.live[:0]
	for _, task := range s.live {
		if task.MarkedForDestruction() {
			s.teardown(task)
		} else {
			kept = append(kept, task)
		}
	}
	for i := len(kept); i < len(s.live); i++ {
		s.live[i] = nil
	}
	s.live = kept
	s.size.Store(int32(len(s.live)))
}

// update a single Task. A panicking Task must not stop the others.
func (s *Scheduler) update(task Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"task":  fmt.Sprintf("%T", task),
				"panic": r,
			}).Error("Task panicked during update")
		}
	}()

	task.Update(now)
}

func (s *Scheduler) teardown(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"task":  fmt.Sprintf("%T", task),
				"panic": r,
			}).Error("Task panicked during teardown")
		}
	}()

	task.Teardown()
	instrument.ServiceRemoved()
}

func (s *Scheduler) shutdown() {
	s.merge()

	log.WithField("tasks", len(s.live)).Info("Scheduler shuts down")

	for _, task := range s.live {
		s.teardown(task)
	}
	s.live = nil
	s.size.Store(0)
}
