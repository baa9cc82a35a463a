// Package policy decides which local processes may drive which daemon
// commands.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zach-source/idleguard/internal/util"
)

// Commands a rule can grant. Read-only commands are status and events.
const (
	CmdStatus    = "status"
	CmdEvents    = "events"
	CmdAttach    = "attach"
	CmdDetach    = "detach"
	CmdSignal    = "signal"
	CmdContinue  = "continue"
	CmdLogout    = "logout"
	CmdDecrement = "decrement"
)

type Rule struct {
	Path       string   `json:"path,omitempty"`        // absolute binary path
	PathSHA256 string   `json:"path_sha256,omitempty"` // sha256 of the path string
	PID        int      `json:"pid,omitempty"`         // optional exact PID match
	Commands   []string `json:"commands"`              // allowed commands; supports "*" and prefix wildcards
}

type Policy struct {
	Allow       []Rule `json:"allow"`
	DefaultDeny bool   `json:"default_deny"`
}

func defaultPolicy() Policy {
	return Policy{
		Allow:       []Rule{},
		DefaultDeny: false,
	}
}

// Path is policy.json inside the XDG config directory.
func Path() (string, error) {
	configDir, err := util.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "policy.json"), nil
}

// Load reads policy.json if present; otherwise returns the allow-all default.
func Load() (Policy, string, error) {
	p, err := Path()
	if err != nil {
		return Policy{}, "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultPolicy(), p, nil
		}
		return Policy{}, p, err
	}
	var pol Policy
	if err := json.Unmarshal(b, &pol); err != nil {
		return Policy{}, p, fmt.Errorf("parse %s: %w", p, err)
	}
	return pol, p, nil
}

// Save writes pol to policy.json.
func Save(pol Policy) error {
	p, err := Path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(pol, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(p, data, 0o600)
}

// AddRule appends rule to the stored policy. The first rule switches the
// policy to default-deny so that it actually restricts something.
func AddRule(rule Rule) error {
	pol, _, err := Load()
	if err != nil {
		return fmt.Errorf("load current policy: %w", err)
	}
	pol.Allow = append(pol.Allow, rule)
	if len(pol.Allow) == 1 && !pol.DefaultDeny {
		pol.DefaultDeny = true
	}
	return Save(pol)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func matchCommand(allowed []string, cmd string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.HasSuffix(a, "*") {
			if strings.HasPrefix(cmd, strings.TrimSuffix(a, "*")) {
				return true
			}
		} else if cmd == a {
			return true
		}
	}
	return false
}

type Subject struct {
	PID  int
	Path string
}

// Allowed answers whether the Subject may run cmd under Policy.
func Allowed(pol Policy, subj Subject, cmd string) bool {
	if len(pol.Allow) == 0 && !pol.DefaultDeny {
		return true
	}
	for _, r := range pol.Allow {
		if r.PID != 0 && r.PID != subj.PID {
			continue
		}
		if r.Path != "" && !samePath(r.Path, subj.Path) {
			continue
		}
		if r.PathSHA256 != "" && r.PathSHA256 != sha256Hex(subj.Path) {
			continue
		}
		if matchCommand(r.Commands, cmd) {
			return true
		}
	}
	return !pol.DefaultDeny
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ap := filepath.Clean(a)
	bp := filepath.Clean(b)
	return ap == bp
}
