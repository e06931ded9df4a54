// Package audit is the append-only JSON-lines audit sink: every
// operation_start, operation_complete, auth_denied, and media_change
// event is written as one self-contained JSON object per line to
// var/log/urpmd/audit.log, backed by a dedicated rs/zerolog writer.
package audit

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/urpmd/urpmd/pkg/types"
)

// EventType enumerates the audit event kinds.
type EventType string

const (
	EventOperationStart    EventType = "operation_start"
	EventOperationComplete EventType = "operation_complete"
	EventAuthDenied        EventType = "auth_denied"
	EventMediaChange       EventType = "media_change"
)

// Event is one audit line: (timestamp, user, uid, pid, source, action,
// packages, success/error).
type Event struct {
	Type     EventType
	User     string
	UID      int
	PID      int
	Source   string
	Action   string
	Packages []string
	Success  bool
	Error    string
}

// Sink appends Events as JSON lines to an underlying file.
type Sink struct {
	logger zerolog.Logger
	file   *os.File
}

// Open opens (creating and appending to) the audit log at path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(f).With().Timestamp().Logger()
	return &Sink{logger: logger, file: f}, nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Record appends one event. Writes are never batched: each call is one
// fsync-free append, matching the audit log's "append-only JSON lines,
// one event per line" contract.
func (s *Sink) Record(e Event) {
	if s == nil {
		return
	}
	ev := s.logger.Log().
		Str("event", string(e.Type)).
		Str("user", e.User).
		Int("uid", e.UID).
		Int("pid", e.PID).
		Str("source", e.Source).
		Str("action", e.Action).
		Bool("success", e.Success)
	if len(e.Packages) > 0 {
		ev = ev.Strs("packages", e.Packages)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("audit")
}

// OperationStart records the start of a mutating operation.
func (s *Sink) OperationStart(ac *types.AuthContext, action string, packages []string) {
	s.Record(Event{Type: EventOperationStart, UID: ac.UID, PID: ac.PID, Source: ac.Source, Action: action, Packages: packages, Success: true})
}

// OperationComplete records a mutating operation's outcome.
func (s *Sink) OperationComplete(ac *types.AuthContext, action string, packages []string, err error) {
	e := Event{Type: EventOperationComplete, UID: ac.UID, PID: ac.PID, Source: ac.Source, Action: action, Packages: packages, Success: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	s.Record(e)
}

// AuthDenied records a denied permission check.
func (s *Sink) AuthDenied(ac *types.AuthContext, permission string) {
	s.Record(Event{Type: EventAuthDenied, UID: ac.UID, PID: ac.PID, Source: ac.Source, Action: permission, Success: false})
}

// MediaChange records a media add/remove/enable/disable/update.
func (s *Sink) MediaChange(ac *types.AuthContext, action, mediaName string) {
	s.Record(Event{Type: EventMediaChange, UID: ac.UID, PID: ac.PID, Source: ac.Source, Action: action, Packages: []string{mediaName}, Success: true})
}
