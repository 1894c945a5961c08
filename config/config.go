// Package config holds the parsed form of the lode.conf configuration file,
// in sconf format.
package config

import (
	"time"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed lode.conf.
type Static struct {
	DataDir          string            `sconf-doc:"Directory where accounts, mailboxes and the session snapshot cache are stored. Relative paths are relative to the directory of lode.conf."`
	LogLevel         string            `sconf-doc:"Default log level: error, warn, info, debug, trace. Trace logs full IMAP protocol transcripts."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. imapserver, imapsession, store."`
	Listeners        map[string]Listener `sconf-doc:"Listeners by name, each with IPs and an IMAP service."`
	Limits           Limits              `sconf:"optional" sconf-doc:"Protocol and session resource limits."`
	MetricsAddress   string              `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on, e.g. localhost:8010. Disabled if empty."`
}

// Listener is a group of IP addresses with the IMAP service enabled.
type Listener struct {
	IPs  []string `sconf-doc:"IP addresses to listen on."`
	IMAP struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 143."`
	} `sconf:"optional"`
}

// Limits holds policy knobs for the protocol and session engines. Zero values
// select the defaults below.
type Limits struct {
	MaxSearchNesting int `sconf:"optional" sconf-doc:"Maximum nesting depth of SEARCH query terms before the command is rejected as BAD. Default 32."`
	RenumberLimit    int `sconf:"optional" sconf-doc:"Maximum number of UID renumber attempts for a single message before the connection is closed. Default 10."`

	SessionIdleTimeout    time.Duration `sconf:"optional" sconf-doc:"Inactivity after which a live session becomes a candidate for serialization. Default 15m."`
	SessionDropHorizon    time.Duration `sconf:"optional" sconf-doc:"Inactivity after which a non-interactive session is discarded entirely. Default 4h."`
	SessionMemoryCeiling  int64         `sconf:"optional" sconf-doc:"Estimated total in-memory footprint of live folder views above which least-recently-used sessions are serialized out. Default 64MB."`
	SessionSweepInterval  time.Duration `sconf:"optional" sconf-doc:"Interval of the background session sweep. Default 1m."`
	SessionNotifyOverflow int           `sconf:"optional" sconf-doc:"Pending-notification backlog per session above which the session is reloaded and reserialized. Default 1024."`

	ConsistencyCheck bool `sconf:"optional" sconf-doc:"Re-query the backend on every folder open and compare against the cached or duplicated message list. Diagnostic; doubles backend load."`

	CommandRatePerMinute int `sconf:"optional" sconf-doc:"Maximum commands per account per minute before the connection is dropped. Default 6000."`
	ShapeRepeatLimit     int `sconf:"optional" sconf-doc:"Maximum identical command shapes per connection per minute before the connection is dropped. Default 600."`
}

// Defaults used when Limits fields are zero.
const (
	DefaultMaxSearchNesting = 32
	DefaultRenumberLimit    = 10

	DefaultSessionIdleTimeout    = 15 * time.Minute
	DefaultSessionDropHorizon    = 4 * time.Hour
	DefaultSessionMemoryCeiling  = 64 * 1024 * 1024
	DefaultSessionSweepInterval  = time.Minute
	DefaultSessionNotifyOverflow = 1024
	DefaultCommandRatePerMinute  = 6000
	DefaultShapeRepeatLimit      = 600
)

// SearchNestingLimit returns the configured or default search nesting limit.
func (l Limits) SearchNestingLimit() int {
	if l.MaxSearchNesting > 0 {
		return l.MaxSearchNesting
	}
	return DefaultMaxSearchNesting
}

// RenumberRetryLimit returns the configured or default renumber bound.
func (l Limits) RenumberRetryLimit() int {
	if l.RenumberLimit > 0 {
		return l.RenumberLimit
	}
	return DefaultRenumberLimit
}

// IdleTimeout returns the configured or default session idle timeout.
func (l Limits) IdleTimeout() time.Duration {
	if l.SessionIdleTimeout > 0 {
		return l.SessionIdleTimeout
	}
	return DefaultSessionIdleTimeout
}

// DropHorizon returns the configured or default session drop horizon.
func (l Limits) DropHorizon() time.Duration {
	if l.SessionDropHorizon > 0 {
		return l.SessionDropHorizon
	}
	return DefaultSessionDropHorizon
}

// MemoryCeiling returns the configured or default session memory ceiling.
func (l Limits) MemoryCeiling() int64 {
	if l.SessionMemoryCeiling > 0 {
		return l.SessionMemoryCeiling
	}
	return DefaultSessionMemoryCeiling
}

// SweepInterval returns the configured or default sweep interval.
func (l Limits) SweepInterval() time.Duration {
	if l.SessionSweepInterval > 0 {
		return l.SessionSweepInterval
	}
	return DefaultSessionSweepInterval
}

// NotifyOverflow returns the configured or default notification backlog limit.
func (l Limits) NotifyOverflow() int {
	if l.SessionNotifyOverflow > 0 {
		return l.SessionNotifyOverflow
	}
	return DefaultSessionNotifyOverflow
}

// CommandRate returns the configured or default per-account command rate.
func (l Limits) CommandRate() int {
	if l.CommandRatePerMinute > 0 {
		return l.CommandRatePerMinute
	}
	return DefaultCommandRatePerMinute
}

// ShapeLimit returns the configured or default command-shape repeat limit.
func (l Limits) ShapeLimit() int {
	if l.ShapeRepeatLimit > 0 {
		return l.ShapeRepeatLimit
	}
	return DefaultShapeRepeatLimit
}
