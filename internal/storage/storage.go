// Package storage keeps the one-shot "already logged out" flag that stops
// a guard from re-arming on the page it just terminated.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/zach-source/idleguard/internal/util"
)

// LogoutFlagKey is the flag written when a guard terminates.
const LogoutFlagKey = "sessionTimeoutLogout"

// ErrUnavailable wraps failures of the backing store itself.
var ErrUnavailable = errors.New("flag store unavailable")

// FlagStore holds boolean flags that are read at most once.
type FlagStore interface {
	// Consume reports whether key was set and clears it.
	Consume(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string) error
	Name() string
}

// ScopedKey ties a flag to one browsing context, e.g. an origin.
func ScopedKey(key, scope string) string {
	if scope == "" {
		return key
	}
	return key + "@" + scope
}

// Memory is an in-process FlagStore.
type Memory struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{flags: make(map[string]struct{})}
}

func (*Memory) Name() string { return "memory" }

func (m *Memory) Consume(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[key]
	delete(m.flags, key)
	return ok, nil
}

func (m *Memory) Set(_ context.Context, key string) error {
	m.mu.Lock()
	m.flags[key] = struct{}{}
	m.mu.Unlock()
	return nil
}

// File stores each flag as an empty file under a directory, so a flag
// survives a daemon restart.
type File struct {
	dir string
}

// NewFile uses dir, or <state dir>/flags when dir is empty.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		state, err := util.StateDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		dir = filepath.Join(state, "flags")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &File{dir: dir}, nil
}

func (*File) Name() string { return "file" }

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+".flag")
}

// Consume removes the flag file; only the caller whose remove succeeds
// sees true.
func (f *File) Consume(_ context.Context, key string) (bool, error) {
	err := os.Remove(f.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (f *File) Set(_ context.Context, key string) error {
	if err := util.WriteFileAtomic(f.path(key), nil, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
