package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zach-source/idleguard/internal/cache"
	"github.com/zach-source/idleguard/internal/config"
)

// Cached keeps the last successful payload for a TTL and collapses
// concurrent fetches into one upstream call.
type Cached struct {
	next    Fetcher
	cache   *cache.Cache[*config.RemoteSettings]
	sf      singleflight.Group
	timeout time.Duration
	logger  zerolog.Logger
}

func NewCached(next Fetcher, ttl, timeout time.Duration, logger zerolog.Logger) *Cached {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cached{
		next:    next,
		cache:   cache.New[*config.RemoteSettings](ttl),
		timeout: timeout,
		logger:  logger.With().Str("component", "fetch").Logger(),
	}
}

func (c *Cached) Name() string { return c.next.Name() + "+cache" }

// Cache exposes the underlying cache for stats and cleanup.
func (c *Cached) Cache() *cache.Cache[*config.RemoteSettings] { return c.cache }

// Invalidate forgets the cached payload.
func (c *Cached) Invalidate() { c.cache.Clear() }

func (c *Cached) Fetch(ctx context.Context) (*config.RemoteSettings, error) {
	key := c.next.Name()

	if rs, ok, _, _ := c.cache.Get(key); ok {
		c.cache.IncHit()
		return clone(rs), nil
	}
	c.cache.IncMiss()
	c.cache.IncInFlight()
	defer c.cache.DecInFlight()

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		// Re-check inside singleflight to avoid thundering herd
		if rs, ok, _, _ := c.cache.Get(key); ok {
			return rs, nil
		}
		ctx2, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		rs, err := c.next.Fetch(ctx2)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, rs)
		return rs, nil
	})
	if err != nil {
		if !errors.Is(err, ErrNoSettings) {
			c.logger.Warn().Err(err).Str("source", key).Msg("settings fetch failed")
		}
		return nil, err
	}
	c.logger.Debug().Str("source", key).Bool("shared", shared).Msg("settings fetched")
	return clone(v.(*config.RemoteSettings)), nil
}

// clone copies the top level so callers cannot mutate the cached value
// through the nested section pointers.
func clone(rs *config.RemoteSettings) *config.RemoteSettings {
	if rs == nil {
		return nil
	}
	out := *rs
	if rs.TimeoutSettings != nil {
		ts := *rs.TimeoutSettings
		out.TimeoutSettings = &ts
	}
	if rs.ModalContent != nil {
		mc := *rs.ModalContent
		out.ModalContent = &mc
	}
	if rs.ModalStyle != nil {
		ms := *rs.ModalStyle
		out.ModalStyle = &ms
	}
	if rs.ActionSettings != nil {
		as := *rs.ActionSettings
		out.ActionSettings = &as
	}
	return &out
}
