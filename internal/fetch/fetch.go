// Package fetch retrieves the remote guard settings that are merged over
// the built-in defaults at attach time.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zach-source/idleguard/internal/config"
)

// ErrNoSettings means the source answered but had nothing to offer. The
// guard treats it like any other fetch failure and keeps its defaults.
var ErrNoSettings = errors.New("no settings available")

// Fetcher returns a partial settings payload. Absent fields are nil or
// zero and fall back to defaults during the merge.
type Fetcher interface {
	Fetch(ctx context.Context) (*config.RemoteSettings, error)
	Name() string
}

// Static always returns the same payload. A nil payload yields
// ErrNoSettings.
type Static struct {
	Settings *config.RemoteSettings
}

func (Static) Name() string { return "static" }

func (s Static) Fetch(ctx context.Context) (*config.RemoteSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Settings == nil {
		return nil, ErrNoSettings
	}
	out := *s.Settings
	return &out, nil
}

// File reads a JSON or YAML payload from disk. The format follows the
// extension; anything that is not .yaml or .yml is parsed as JSON.
type File struct {
	Path string
}

func (f File) Name() string { return "file:" + filepath.Base(f.Path) }

func (f File) Fetch(ctx context.Context) (*config.RemoteSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", f.Path, ErrNoSettings)
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", f.Path, ErrNoSettings)
	}
	return Decode(data, filepath.Ext(f.Path))
}

// Decode parses a settings payload. ext selects YAML for ".yaml" and
// ".yml" and JSON otherwise.
func Decode(data []byte, ext string) (*config.RemoteSettings, error) {
	var rs config.RemoteSettings
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("decode yaml settings: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("decode json settings: %w", err)
		}
	}
	return &rs, nil
}
