package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/zach-source/idleguard/internal/policy"
	"github.com/zach-source/idleguard/internal/util"
)

// DenialEvent represents a parsed denial event from audit logs
type DenialEvent struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Path      string    `json:"path"`
	Command   string    `json:"command"`
	Count     int       `json:"count"` // How many times this combination was denied
}

// Termination is a dispatched logout or redirect read back from the log.
type Termination struct {
	Timestamp time.Time `json:"timestamp"`
	AttachID  string    `json:"attach_id"`
	Origin    string    `json:"origin"`
	Action    string    `json:"action"`
	URL       string    `json:"url"`
	Error     string    `json:"error,omitempty"`
}

// LogDir resolves dir, defaulting to the data directory the daemon writes to.
func LogDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return util.DataDir()
}

// readEvents calls fn for every well-formed event in dir newer than cutoff.
func readEvents(dir string, cutoff time.Time, fn func(AuditEvent)) error {
	dir, err := LogDir(dir)
	if err != nil {
		return fmt.Errorf("failed to get data directory: %w", err)
	}
	files, err := listLogFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to list log files: %w", err)
	}

	for _, logFile := range files {
		// Whole days older than the cutoff cannot hold a match.
		if d, ok := dateOf(logFile); ok && d.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		file, err := os.Open(logFile)
		if err != nil {
			continue // Skip files we can't open
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var event AuditEvent
			if err := json.Unmarshal(line, &event); err != nil {
				continue // Skip malformed lines
			}
			if event.Timestamp.Before(cutoff) {
				continue
			}
			fn(event)
		}
		file.Close()
	}
	return nil
}

// ScanRecentDenials reads the audit logs in dir and returns access denials
// newer than since, folded per process and command and sorted by count.
func ScanRecentDenials(dir string, since time.Duration) ([]DenialEvent, error) {
	denials := make(map[string]*DenialEvent)
	cutoff := time.Now().Add(-since)

	err := readEvents(dir, cutoff, func(event AuditEvent) {
		if event.Event != EventAccess || event.Decision != DecisionDeny || event.PeerInfo == nil {
			return
		}

		key := event.PeerInfo.Path + "|" + event.Command
		if existing, exists := denials[key]; exists {
			existing.Count++
			if event.Timestamp.After(existing.Timestamp) {
				existing.Timestamp = event.Timestamp
				existing.PID = event.PeerInfo.PID
			}
			return
		}
		denials[key] = &DenialEvent{
			Timestamp: event.Timestamp,
			PID:       event.PeerInfo.PID,
			Path:      event.PeerInfo.Path,
			Command:   event.Command,
			Count:     1,
		}
	})
	if err != nil {
		return nil, err
	}

	result := make([]DenialEvent, 0, len(denials))
	for _, denial := range denials {
		result = append(result, *denial)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

// ScanTerminations returns the actions dispatched within since, oldest first.
func ScanTerminations(dir string, since time.Duration) ([]Termination, error) {
	var out []Termination
	err := readEvents(dir, time.Now().Add(-since), func(event AuditEvent) {
		if event.Event != EventAction {
			return
		}
		out = append(out, Termination{
			Timestamp: event.Timestamp,
			AttachID:  event.AttachID,
			Origin:    event.Origin,
			Action:    event.Details["action"],
			URL:       event.Details["url"],
			Error:     event.Details["error"],
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CreatePolicyRuleFromDenial creates a policy rule that would allow the denied access
func CreatePolicyRuleFromDenial(denial DenialEvent, allowPattern string) policy.Rule {
	return policy.Rule{
		Path:     denial.Path,
		Commands: []string{allowPattern},
	}
}

// SuggestAllowPattern suggests allow patterns for a denied command, narrowest first.
func SuggestAllowPattern(command string) []string {
	suggestions := []string{command}
	if i := strings.IndexAny(command, "._"); i > 0 {
		suggestions = append(suggestions, command[:i]+"*")
	}
	return append(suggestions, "*")
}

// AddRuleToPolicy adds a rule to the stored policy and saves it
func AddRuleToPolicy(rule policy.Rule) error {
	if err := policy.AddRule(rule); err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return nil
}

// FormatDenialForDisplay formats a denial event for user display
func FormatDenialForDisplay(i int, denial DenialEvent) string {
	return fmt.Sprintf("[%d] Process: %s\n    Command: %s\n    Denied: %d times, Last: %s\n",
		i+1,
		denial.Path,
		denial.Command,
		denial.Count,
		denial.Timestamp.Format("2006-01-02 15:04:05"))
}

// FormatTermination renders one termination on a single line.
func FormatTermination(t Termination) string {
	line := fmt.Sprintf("%s  %-8s %s  origin=%s attach=%s",
		t.Timestamp.Local().Format("2006-01-02 15:04:05"), t.Action, t.URL, t.Origin, t.AttachID)
	if t.Error != "" {
		line += "  error=" + t.Error
	}
	return line
}

// GroupDenialsByPath groups denials by executable path
func GroupDenialsByPath(denials []DenialEvent) map[string][]DenialEvent {
	groups := make(map[string][]DenialEvent)
	for _, d := range denials {
		groups[d.Path] = append(groups[d.Path], d)
	}
	return groups
}
