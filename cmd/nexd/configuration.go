// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/login"
	"github.com/nexcore/nexcore/pkg/prudp"
	"github.com/nexcore/nexcore/pkg/scheduler"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Access    accessConf
	Auth      authConf
	Transport transportConf
	Scheduler schedulerConf
	Monitor   monitorConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// accessConf describes the Access-configuration block.
type accessConf struct {
	Key string
}

// authConf describes the account and its authentication server.
type authConf struct {
	Address  string
	PID      uint32 `toml:"pid"`
	Password string
	Token    string
}

// transportConf describes the Transport-configuration block. Durations are strings
// like "2300ms"; empty values select the defaults.
type transportConf struct {
	FragmentSize       int    `toml:"fragment-size"`
	RetransmitInterval string `toml:"retransmit-interval"`
	RetransmitCeiling  int    `toml:"retransmit-ceiling"`
	HandshakeInterval  string `toml:"handshake-interval"`
	HandshakeCeiling   int    `toml:"handshake-ceiling"`
	KeepAliveInterval  string `toml:"keep-alive-interval"`
	PingRetryInterval  string `toml:"ping-retry-interval"`
	PingRetryCeiling   int    `toml:"ping-retry-ceiling"`
	CallTimeout        string `toml:"call-timeout"`
	VerifySignatures   *bool  `toml:"verify-signatures"`
	DisconnectInvalid  bool   `toml:"disconnect-on-invalid"`
}

// schedulerConf describes the Scheduler-configuration block.
type schedulerConf struct {
	BusyInterval string `toml:"busy-interval"`
	IdleInterval string `toml:"idle-interval"`
}

// monitorConf describes the Monitor-configuration block. An empty Listen disables
// the monitor.
type monitorConf struct {
	Listen string
}

// daemonConf is the validated configuration.
type daemonConf struct {
	login     login.Config
	scheduler scheduler.Config
	monitor   string
}

// decodeConfig reads a TOML configuration file.
func decodeConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// parseConfig reads, applies the logging section of and validates a configuration file.
func parseConfig(filename string) (*daemonConf, error) {
	conf, err := decodeConfig(filename)
	if err != nil {
		return nil, err
	}

	applyLogging(conf.Logging)

	return conf.validate()
}

// applyLogging configures the standard logrus logger.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.WithField("format", conf.Format).Warn("Unknown logging format")
	}
}

// durationField parses an optional duration. Problems are appended to errs.
func durationField(name, value string, errs *error) time.Duration {
	if value == "" {
		return 0
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("%s: %w", name, err))
		return 0
	}
	if d < 0 {
		*errs = multierror.Append(*errs, fmt.Errorf("%s: negative duration %v", name, d))
		return 0
	}
	return d
}

// validate checks every field and collects all problems at once.
func (conf tomlConfig) validate() (*daemonConf, error) {
	var errs error

	if conf.Access.Key == "" {
		errs = multierror.Append(errs, fmt.Errorf("access.key is empty"))
	}
	if conf.Auth.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("auth.address is empty"))
	}
	if conf.Auth.PID == 0 {
		errs = multierror.Append(errs, fmt.Errorf("auth.pid is missing"))
	}
	if conf.Auth.Password == "" {
		errs = multierror.Append(errs, fmt.Errorf("auth.password is empty"))
	}

	tc := conf.Transport
	for name, n := range map[string]int{
		"transport.fragment-size":      tc.FragmentSize,
		"transport.retransmit-ceiling": tc.RetransmitCeiling,
		"transport.handshake-ceiling":  tc.HandshakeCeiling,
		"transport.ping-retry-ceiling": tc.PingRetryCeiling,
	} {
		if n < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: negative value %d", name, n))
		}
	}
	if tc.FragmentSize > 0xFFFF {
		errs = multierror.Append(errs, fmt.Errorf("transport.fragment-size: %d exceeds 65535", tc.FragmentSize))
	}

	timing := prudp.Timing{
		HandshakeInterval:  durationField("transport.handshake-interval", tc.HandshakeInterval, &errs),
		HandshakeRetries:   tc.HandshakeCeiling,
		RetransmitInterval: durationField("transport.retransmit-interval", tc.RetransmitInterval, &errs),
		RetransmitCeiling:  tc.RetransmitCeiling,
		KeepAliveInterval:  durationField("transport.keep-alive-interval", tc.KeepAliveInterval, &errs),
		PingRetryInterval:  durationField("transport.ping-retry-interval", tc.PingRetryInterval, &errs),
		PingRetryCeiling:   tc.PingRetryCeiling,
	}
	callTimeout := durationField("transport.call-timeout", tc.CallTimeout, &errs)

	schedConf := scheduler.DefaultConfig()
	if d := durationField("scheduler.busy-interval", conf.Scheduler.BusyInterval, &errs); d > 0 {
		schedConf.BusyInterval = d
	}
	if d := durationField("scheduler.idle-interval", conf.Scheduler.IdleInterval, &errs); d > 0 {
		schedConf.IdleInterval = d
	}

	if errs != nil {
		return nil, errs
	}

	return &daemonConf{
		login: login.Config{
			AuthAddress: conf.Auth.Address,
			AccessKey:   conf.Access.Key,
			PID:         conf.Auth.PID,
			Password:    conf.Auth.Password,
			Token:       conf.Auth.Token,
			Transport: prudp.Config{
				Timing:                    timing,
				MaxFragmentSize:           tc.FragmentSize,
				SkipSignatureVerification: tc.VerifySignatures != nil && !*tc.VerifySignatures,
				DisconnectOnInvalidPacket: tc.DisconnectInvalid,
			},
			CallTimeout: callTimeout,
		},
		scheduler: schedConf,
		monitor:   conf.Monitor.Listen,
	}, nil
}
