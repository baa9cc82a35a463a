package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zach-source/idleguard/internal/config"
)

// Multi tries each source in order and returns the first payload.
type Multi struct {
	sources []Fetcher
}

func NewMulti(sources ...Fetcher) *Multi {
	var kept []Fetcher
	for _, s := range sources {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sources: kept}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Fetch returns ErrNoSettings only when every source reported it;
// otherwise the failures are joined.
func (m *Multi) Fetch(ctx context.Context) (*config.RemoteSettings, error) {
	if len(m.sources) == 0 {
		return nil, ErrNoSettings
	}

	var errs []error
	allEmpty := true
	for _, s := range m.sources {
		rs, err := s.Fetch(ctx)
		if err == nil {
			return rs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNoSettings) {
			allEmpty = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if allEmpty {
		return nil, ErrNoSettings
	}
	return nil, errors.Join(errs...)
}
