// Package protocol defines the JSON shapes exchanged between the guard
// daemon and its clients.
package protocol

import (
	"time"

	"github.com/zach-source/idleguard/internal/config"
)

// TokenHeader carries the daemon's API token on every request.
const TokenHeader = "X-Idleguard-Token"

type AttachRequest struct {
	// Location is the absolute URL of the guarded page.
	Location string `json:"location"`
}

type SignalRequest struct {
	Kind    string `json:"kind"`
	Visible bool   `json:"visible,omitempty"` // visibilitychange only
}

// AckResponse answers continue, logout and decrement. Accepted is false
// when the command was not valid in the guard's state.
type AckResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

type Target struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

type ActivityStatus struct {
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleSeconds    int       `json:"idle_seconds"`
	Monitoring     bool      `json:"monitoring"`
	WindowFocused  bool      `json:"window_focused"`
}

type ConfigStatus struct {
	InactivitySeconds int                 `json:"inactivity_timeout_seconds"`
	CountdownSeconds  int                 `json:"logout_countdown_seconds"`
	ShowCountdown     bool                `json:"show_countdown"`
	PostTimeoutAction string              `json:"post_timeout_action"`
	RedirectURL       string              `json:"redirect_url,omitempty"`
	Modal             config.ModalContent `json:"modal"`
	Style             config.ModalStyle   `json:"style"`
	LogoURL           string              `json:"logo_url,omitempty"`
	LogoImage         string              `json:"logo_image,omitempty"`
}

type CacheStatus struct {
	Size       int   `json:"size"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	InFlight   int   `json:"in_flight"`
	TTLSeconds int   `json:"ttl_seconds"`
}

// Status is the observable state of the guard plus daemon details.
type Status struct {
	AttachID         string         `json:"attach_id,omitempty"`
	State            string         `json:"state"`
	ShowTimeoutModal bool           `json:"show_timeout_modal"`
	Countdown        int            `json:"countdown"`
	IsCountingDown   bool           `json:"is_counting_down"`
	Phase            string         `json:"phase"`
	Location         string         `json:"location,omitempty"`
	Activity         ActivityStatus `json:"activity"`
	Config           ConfigStatus   `json:"config"`
	LastAction       *Target        `json:"last_action,omitempty"`

	SocketPath     string       `json:"socket_path,omitempty"`
	FlagStore      string       `json:"flag_store,omitempty"`
	SettingsSource string       `json:"settings_source,omitempty"`
	SettingsCache  *CacheStatus `json:"settings_cache,omitempty"`
	EventClients   int          `json:"event_clients"`
}

// Frame types on the /v1/events stream.
const (
	FrameStatus   = "status"
	FrameNavigate = "navigate"
)

// Frame is one message on the /v1/events stream.
type Frame struct {
	Type     string  `json:"type"`
	Status   *Status `json:"status,omitempty"`
	Navigate *Target `json:"navigate,omitempty"`
}

// ConfigFromTimeout renders a TimeoutConfig in whole seconds.
func ConfigFromTimeout(c config.TimeoutConfig) ConfigStatus {
	return ConfigStatus{
		InactivitySeconds: int(c.InactivityTimeout / time.Second),
		CountdownSeconds:  c.CountdownSeconds(),
		ShowCountdown:     c.ShowCountdown,
		PostTimeoutAction: string(c.PostTimeoutAction),
		RedirectURL:       c.RedirectURL,
		Modal:             c.Modal,
		Style:             c.Style,
		LogoURL:           c.LogoURL,
		LogoImage:         c.LogoImage,
	}
}
