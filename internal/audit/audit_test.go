package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zach-source/idleguard/internal/policy"
	"github.com/zach-source/idleguard/internal/security"
)

func testLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLoggerWithConfig(true, RollerConfig{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func readLog(t *testing.T, dir string) []AuditEvent {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)

	var events []AuditEvent
	for _, f := range files {
		file, err := os.Open(f)
		require.NoError(t, err)
		sc := bufio.NewScanner(file)
		for sc.Scan() {
			var ev AuditEvent
			require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
			events = append(events, ev)
		}
		file.Close()
	}
	return events
}

func TestLogger_DisabledDropsEvents(t *testing.T) {
	l, err := NewLoggerWithConfig(false, RollerConfig{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, l.Enabled())
	assert.NotPanics(t, func() { l.LogTransition("a", "o", "idle", "Watching", "Warning") })
	assert.NoError(t, l.Close())

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled())
	assert.NotPanics(t, func() { nilLogger.LogAction("a", "o", "logout", "/x", nil) })
	assert.NoError(t, nilLogger.Close())
}

func TestLogger_WritesJSONLines(t *testing.T) {
	l, dir := testLogger(t)
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.LogLifecycle(EventAttach, "att-1", "https://example.com", map[string]string{"action": "logout"})
	l.LogTransition("att-1", "https://example.com", "idle", "Watching", "Warning")
	l.LogAction("att-1", "https://example.com", "logout", "https://example.com/secur/logout.jsp", nil)
	l.LogAction("att-1", "https://example.com", "redirect", "/bye", errors.New("no client"))
	require.NoError(t, l.Close())

	events := readLog(t, dir)
	require.Len(t, events, 4)

	assert.Equal(t, EventAttach, events[0].Event)
	assert.Equal(t, "logout", events[0].Details["action"])
	assert.NotEmpty(t, events[0].ID)
	assert.True(t, fixed.Equal(events[0].Timestamp))

	assert.Equal(t, EventTransition, events[1].Event)
	assert.Equal(t, "Watching", events[1].From)
	assert.Equal(t, "Warning", events[1].To)
	assert.Equal(t, "idle", events[1].Details["trigger"])

	assert.Equal(t, DecisionSuccess, events[2].Decision)
	assert.Equal(t, DecisionFailure, events[3].Decision)
	assert.Equal(t, "no client", events[3].Details["error"])
	assert.NotEqual(t, events[2].ID, events[3].ID)
}

func TestLogger_AccessAndAuthentication(t *testing.T) {
	l, dir := testLogger(t)
	peer := security.PeerInfo{PID: 42, UID: 1000, Path: "/usr/bin/tool"}

	l.LogAccessDecision(peer, "logout", false, "/etc/policy.json")
	l.LogAuthentication(&peer, false, "invalid token")
	require.NoError(t, l.Close())

	events := readLog(t, dir)
	require.Len(t, events, 2)
	assert.Equal(t, EventAccess, events[0].Event)
	assert.Equal(t, DecisionDeny, events[0].Decision)
	assert.Equal(t, "logout", events[0].Command)
	require.NotNil(t, events[0].PeerInfo)
	assert.Equal(t, 42, events[0].PeerInfo.PID)

	assert.Equal(t, EventAuth, events[1].Event)
	assert.Equal(t, "invalid token", events[1].Details["reason"])
}

func TestFormatDetails(t *testing.T) {
	assert.Equal(t, "", formatDetails(nil))
	assert.Equal(t, "[a=1, b=2]", formatDetails(map[string]string{"b": "2", "a": "1"}))
}

func TestScanRecentDenials(t *testing.T) {
	l, dir := testLogger(t)
	tool := security.PeerInfo{PID: 1, Path: "/usr/bin/tool"}
	other := security.PeerInfo{PID: 2, Path: "/usr/bin/other"}

	l.LogAccessDecision(tool, "logout", false, "p")
	l.LogAccessDecision(tool, "logout", false, "p")
	l.LogAccessDecision(other, "continue", false, "p")
	l.LogAccessDecision(other, "status", true, "p")
	require.NoError(t, l.Close())

	denials, err := ScanRecentDenials(dir, time.Hour)
	require.NoError(t, err)
	require.Len(t, denials, 2)
	assert.Equal(t, "/usr/bin/tool", denials[0].Path)
	assert.Equal(t, "logout", denials[0].Command)
	assert.Equal(t, 2, denials[0].Count)
	assert.Equal(t, "continue", denials[1].Command)

	groups := GroupDenialsByPath(denials)
	assert.Len(t, groups, 2)
	assert.Len(t, groups["/usr/bin/other"], 1)

	out := FormatDenialForDisplay(0, denials[0])
	assert.True(t, strings.HasPrefix(out, "[1] Process: /usr/bin/tool"))
	assert.Contains(t, out, "Denied: 2 times")
}

func TestScanRecentDenials_EmptyDir(t *testing.T) {
	denials, err := ScanRecentDenials(t.TempDir(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, denials)
}

func TestScanRecentDenials_SkipsOldAndMalformed(t *testing.T) {
	dir := t.TempDir()
	old := AuditEvent{
		Event:     EventAccess,
		Decision:  DecisionDeny,
		Command:   "logout",
		PeerInfo:  &security.PeerInfo{Path: "/x"},
		Timestamp: time.Now().Add(-48 * time.Hour),
	}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	name := "audit-" + time.Now().Format(dateLayout) + ".log"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), append(append(data, '\n'), []byte("not json\n")...), 0o600))

	denials, err := ScanRecentDenials(dir, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, denials)
}

func TestScanTerminations(t *testing.T) {
	l, dir := testLogger(t)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.LogAction("att-1", "https://a.example", "logout", "https://a.example/secur/logout.jsp", nil)
	l.now = func() time.Time { return base.Add(time.Second) }
	l.LogAction("att-2", "https://b.example", "redirect", "https://b.example/bye", errors.New("boom"))
	l.LogTransition("att-2", "https://b.example", "expire", "Warning", "Terminated")
	require.NoError(t, l.Close())

	terms, err := ScanTerminations(dir, time.Hour)
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.Equal(t, "att-1", terms[0].AttachID)
	assert.Equal(t, "logout", terms[0].Action)
	assert.Equal(t, "redirect", terms[1].Action)
	assert.Equal(t, "boom", terms[1].Error)

	line := FormatTermination(terms[1])
	assert.Contains(t, line, "https://b.example/bye")
	assert.Contains(t, line, "error=boom")
}

func TestSuggestAllowPattern(t *testing.T) {
	assert.Equal(t, []string{"logout", "*"}, SuggestAllowPattern("logout"))
	assert.Equal(t, []string{"signal.focus", "signal*", "*"}, SuggestAllowPattern("signal.focus"))
}

func TestCreateAndAddPolicyRule(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	rule := CreatePolicyRuleFromDenial(DenialEvent{Path: "/usr/bin/tool", Command: "logout"}, "logout")
	assert.Equal(t, "/usr/bin/tool", rule.Path)
	assert.Equal(t, []string{"logout"}, rule.Commands)

	require.NoError(t, AddRuleToPolicy(rule))

	pol, _, err := policy.Load()
	require.NoError(t, err)
	require.Len(t, pol.Allow, 1)
	assert.True(t, pol.DefaultDeny)
	assert.True(t, policy.Allowed(pol, policy.Subject{Path: "/usr/bin/tool"}, "logout"))
	assert.False(t, policy.Allowed(pol, policy.Subject{Path: "/usr/bin/tool"}, "continue"))
}
