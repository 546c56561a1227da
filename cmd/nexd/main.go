// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// nexd logs into a NEX server and keeps the secure session alive until SIGINT.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/login"
	"github.com/nexcore/nexcore/pkg/monitor"
	"github.com/nexcore/nexcore/pkg/nex"
	"github.com/nexcore/nexcore/pkg/scheduler"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// watchLogging re-applies the logging section whenever the configuration file changes.
// The parent directory is watched since editors tend to replace files.
func watchLogging(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(filename)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, err := decodeConfig(filename)
				if err != nil {
					log.WithError(err).Warn("Reloading configuration errored")
					continue
				}

				applyLogging(conf.Logging)
				log.WithField("file", filename).Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Watching configuration errored")
			}
		}
	}()

	return watcher, nil
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	var mon *monitor.Monitor
	publish := func(monitor.Event) {}

	if conf.monitor != "" {
		if mon, err = monitor.New(); err != nil {
			log.WithError(err).Fatal("Failed to create monitor")
		}
		if err = mon.Start(conf.monitor); err != nil {
			log.WithError(err).Fatal("Failed to start monitor")
		}

		publish = mon.Publish
		conf.login.OnStateChange = mon.OnStateChange
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	service, err := login.EstablishSecureConnection(ctx, conf.login)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to establish a secure connection")
	}

	service.RegisterHandler(monitor.ProtocolNotification, monitor.NotificationRelay(publish, nil))

	if mon != nil {
		mon.AddService(service)
	}

	sched := scheduler.New(conf.scheduler)
	service.RegisterForAsyncProcessing(sched)

	log.WithFields(log.Fields{
		"service": service.Name(),
		"port":    service.LocalPort(),
	}).Info("Secure session established")

	watcher, err := watchLogging(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Configuration reloading is disabled")
	}

	waitSigint()
	log.Info("Shutting down..")

	// Destroying hands the Service's teardown to the scheduler, which finishes it
	// on Close.
	service.Destroy()
	sched.Close()

	if watcher != nil {
		_ = watcher.Close()
	}

	logState(service.Status())

	if mon != nil {
		_ = mon.Close()
	}
}

func logState(status nex.Status) {
	log.WithFields(log.Fields{
		"state":     status.State,
		"completed": status.Completed,
	}).Info("Secure session closed")
}
