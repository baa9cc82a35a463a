// Package audit writes a JSON-lines record of guard lifecycle events and
// access decisions to daily log files.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/security"
)

// Event names.
const (
	EventAttach     = "ATTACH"
	EventSuppressed = "SUPPRESSED"
	EventDetach     = "DETACH"
	EventTransition = "TRANSITION"
	EventAction     = "ACTION"
	EventAccess     = "ACCESS_DECISION"
	EventAuth       = "AUTHENTICATION"
)

// Decisions.
const (
	DecisionAllow   = "ALLOW"
	DecisionDeny    = "DENY"
	DecisionSuccess = "SUCCESS"
	DecisionFailure = "FAILURE"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Event      string             `json:"event"`
	AttachID   string             `json:"attach_id,omitempty"`
	Origin     string             `json:"origin,omitempty"`
	From       string             `json:"from,omitempty"`
	To         string             `json:"to,omitempty"`
	Command    string             `json:"command,omitempty"`
	Decision   string             `json:"decision,omitempty"`
	PeerInfo   *security.PeerInfo `json:"peer_info,omitempty"`
	PolicyPath string             `json:"policy_path,omitempty"`
	Details    map[string]string  `json:"details,omitempty"`
}

// Logger records audit events. A nil or disabled Logger drops every event.
type Logger struct {
	enabled bool
	roller  *Roller
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLogger creates an audit logger with the default rotation settings.
func NewLogger(enabled bool, logger zerolog.Logger) (*Logger, error) {
	return NewLoggerWithConfig(enabled, DefaultRollerConfig(), logger)
}

// NewLoggerWithConfig creates an audit logger writing through a Roller
// built from cfg.
func NewLoggerWithConfig(enabled bool, cfg RollerConfig, logger zerolog.Logger) (*Logger, error) {
	l := &Logger{
		enabled: enabled,
		logger:  logger.With().Str("component", "audit").Logger(),
		now:     time.Now,
	}
	if !enabled {
		return l, nil
	}
	roller, err := NewRoller(cfg)
	if err != nil {
		return nil, err
	}
	l.roller = roller
	return l, nil
}

// Enabled reports whether events are being written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// LogEvent stamps and records event.
func (l *Logger) LogEvent(event AuditEvent) {
	if !l.Enabled() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Timestamp = l.now()

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error().Err(err).Str("event", event.Event).Msg("marshal audit event")
		return
	}
	if err := l.roller.Write(append(data, '\n')); err != nil {
		l.logger.Error().Err(err).Str("event", event.Event).Msg("write audit event")
	}

	l.logger.Info().
		Str("event", event.Event).
		Str("decision", event.Decision).
		Str("attach_id", event.AttachID).
		Str("details", formatDetails(event.Details)).
		Msg("audit")
}

// LogTransition records a guard state change.
func (l *Logger) LogTransition(attachID, origin, event, from, to string) {
	l.LogEvent(AuditEvent{
		Event:    EventTransition,
		AttachID: attachID,
		Origin:   origin,
		From:     from,
		To:       to,
		Details:  map[string]string{"trigger": event},
	})
}

// LogLifecycle records attach, suppression and detach.
func (l *Logger) LogLifecycle(eventType, attachID, origin string, details map[string]string) {
	l.LogEvent(AuditEvent{
		Event:    eventType,
		AttachID: attachID,
		Origin:   origin,
		Details:  details,
	})
}

// LogAction records the dispatched terminal action.
func (l *Logger) LogAction(attachID, origin, action, url string, err error) {
	decision := DecisionSuccess
	details := map[string]string{"action": action, "url": url}
	if err != nil {
		decision = DecisionFailure
		details["error"] = err.Error()
	}
	l.LogEvent(AuditEvent{
		Event:    EventAction,
		AttachID: attachID,
		Origin:   origin,
		Decision: decision,
		Details:  details,
	})
}

// LogAccessDecision records a policy decision for a daemon command.
func (l *Logger) LogAccessDecision(peer security.PeerInfo, command string, allowed bool, policyPath string) {
	decision := DecisionAllow
	if !allowed {
		decision = DecisionDeny
	}
	l.LogEvent(AuditEvent{
		Event:      EventAccess,
		Command:    command,
		Decision:   decision,
		PeerInfo:   &peer,
		PolicyPath: policyPath,
	})
}

// LogAuthentication records a token check.
func (l *Logger) LogAuthentication(peer *security.PeerInfo, success bool, reason string) {
	decision := DecisionSuccess
	if !success {
		decision = DecisionFailure
	}
	l.LogEvent(AuditEvent{
		Event:    EventAuth,
		Decision: decision,
		PeerInfo: peer,
		Details:  map[string]string{"reason": reason},
	})
}

// Close flushes and closes the current log file.
func (l *Logger) Close() error {
	if l == nil || l.roller == nil {
		return nil
	}
	return l.roller.Close()
}

// formatDetails renders details in key order.
func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, details[k])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
