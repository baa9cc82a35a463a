package util

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AppName names the per-user directories the daemon and CLI share.
const AppName = "idleguard"

func HomeDir() string {
	h, _ := os.UserHomeDir()
	if h == "" {
		h = "."
	}
	return h
}

// ensureDir creates dir with owner-only permissions and tightens an
// existing directory to the same mode.
func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// xdgDir resolves $env/idleguard, falling back to ~/<fallback...>/idleguard.
func xdgDir(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return ensureDir(filepath.Join(base, AppName))
	}
	parts := append([]string{HomeDir()}, fallback...)
	parts = append(parts, AppName)
	return ensureDir(filepath.Join(parts...))
}

// DataDir holds audit logs and the durable logout flag.
func DataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ConfigDir holds config.yaml, settings.json and policy.json.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// legacyDir is the single dot-directory layout used before XDG support.
func legacyDir() (string, bool) {
	dir := filepath.Join(HomeDir(), "."+AppName)
	if _, err := os.Stat(dir); err != nil {
		return "", false
	}
	return dir, true
}

// RuntimeDir holds the socket, token and TLS material.
func RuntimeDir() (string, error) {
	if dir, ok := legacyDir(); ok {
		return ensureDir(dir)
	}
	if os.Getenv("XDG_RUNTIME_DIR") == "" {
		return DataDir()
	}
	return xdgDir("XDG_RUNTIME_DIR")
}

// StateDir prefers ~/.idleguard when it exists, otherwise DataDir.
func StateDir() (string, error) {
	if dir, ok := legacyDir(); ok {
		return ensureDir(dir)
	}
	return DataDir()
}

func SocketPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "idleguard.sock"), nil
}

func TokenPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "token"), nil
}

// EnsureToken returns the token stored at path, creating a random one
// atomically when none exists yet.
func EnsureToken(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		return string(b), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(b)

	if err := WriteFileAtomic(path, []byte(tok), 0o600); err != nil {
		// Lost a race with another process: use whatever it wrote.
		if b, readErr := os.ReadFile(path); readErr == nil {
			return string(b), nil
		}
		return "", err
	}
	return tok, nil
}

// WriteFileAtomic writes data to a sibling temp file created with O_EXCL
// and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, writeErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
