// Package config holds the guard's timing configuration, the merge rules
// for the remote settings payload, and the daemon's own configuration.
package config

import (
	"math"
	"strings"
	"time"
)

// Built-in defaults used whenever a timeout is missing or not positive.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultLogoutCountdown   = 10 * time.Second
	DefaultModalMessage      = "Your session is about to expire due to inactivity."
)

// Action is the terminal step taken when the countdown elapses.
type Action string

const (
	ActionLogout   Action = "logout"
	ActionRedirect Action = "redirect"
)

// ParseAction maps any unrecognised or empty value to ActionLogout.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionRedirect:
		return ActionRedirect
	default:
		return ActionLogout
	}
}

// ModalContent is the warning dialog's copy. The guard only carries it.
type ModalContent struct {
	Title         string `json:"title,omitempty"`
	Message       string `json:"message,omitempty"`
	ContinueLabel string `json:"continue_label,omitempty"`
	LogoutLabel   string `json:"logout_label,omitempty"`
}

// ModalStyle is presentation data for whatever renders the dialog.
type ModalStyle struct {
	HeaderColor         string `json:"header_color,omitempty"`
	BodyColor           string `json:"body_color,omitempty"`
	FooterColor         string `json:"footer_color,omitempty"`
	ContinueButtonColor string `json:"continue_button_color,omitempty"`
	LogoutButtonColor   string `json:"logout_button_color,omitempty"`
	CountdownColor      string `json:"countdown_color,omitempty"`
	Width               string `json:"width,omitempty"`
	BorderRadius        string `json:"border_radius,omitempty"`
}

// TimeoutConfig is fixed for one attachment: created from defaults,
// replaced once by MergeConfig after the settings fetch, then read-only.
type TimeoutConfig struct {
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	LogoutCountdown   time.Duration `json:"logout_countdown"`
	ShowCountdown     bool          `json:"show_countdown"`
	PostTimeoutAction Action        `json:"post_timeout_action"`
	RedirectURL       string        `json:"redirect_url,omitempty"`
	Modal             ModalContent  `json:"modal"`
	Style             ModalStyle    `json:"style"`
	LogoURL           string        `json:"logo_url,omitempty"`
	LogoImage         string        `json:"logo_image,omitempty"`
}

// Defaults returns the built-in TimeoutConfig.
func Defaults() TimeoutConfig {
	return TimeoutConfig{
		InactivityTimeout: DefaultInactivityTimeout,
		LogoutCountdown:   DefaultLogoutCountdown,
		PostTimeoutAction: ActionLogout,
		Modal:             ModalContent{Message: DefaultModalMessage},
	}
}

// Normalize repairs values that would break the timing engine: timeouts
// that are not positive fall back to the built-in defaults and unknown
// actions become logout.
func (c TimeoutConfig) Normalize() TimeoutConfig {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.LogoutCountdown <= 0 {
		c.LogoutCountdown = DefaultLogoutCountdown
	}
	c.PostTimeoutAction = ParseAction(string(c.PostTimeoutAction))
	if c.Modal.Message == "" {
		c.Modal.Message = DefaultModalMessage
	}
	if c.LogoImage == "" && c.LogoURL != "" {
		c.LogoImage = strings.TrimRight(c.LogoURL, "/") + "/logoImage.png"
	}
	return c
}

// CountdownSeconds is the whole number of seconds the warning runs for.
func (c TimeoutConfig) CountdownSeconds() int {
	return int(c.LogoutCountdown / time.Second)
}

// RemoteSettings is the nested payload returned by the settings service.
// Zero values mean "not set".
type RemoteSettings struct {
	TimeoutSettings *TimeoutSettings `json:"timeoutSettings,omitempty" yaml:"timeoutSettings,omitempty"`
	ModalContent    *ModalSettings   `json:"modalContent,omitempty" yaml:"modalContent,omitempty"`
	ModalStyle      *StyleSettings   `json:"modalStyle,omitempty" yaml:"modalStyle,omitempty"`
	ActionSettings  *ActionSettings  `json:"actionSettings,omitempty" yaml:"actionSettings,omitempty"`
	LogoURL         string           `json:"logoUrl,omitempty" yaml:"logoUrl,omitempty"`
	LogoImage       string           `json:"logoImage,omitempty" yaml:"logoImage,omitempty"`
}

// TimeoutSettings carries durations in milliseconds.
type TimeoutSettings struct {
	InactivityTimeout int64 `json:"inactivityTimeout,omitempty" yaml:"inactivityTimeout,omitempty"`
	LogoutCountdown   int64 `json:"logoutCountdown,omitempty" yaml:"logoutCountdown,omitempty"`
	ShowCountdown     bool  `json:"showCountdown,omitempty" yaml:"showCountdown,omitempty"`
}

type ModalSettings struct {
	ModalTitle          string `json:"modalTitle,omitempty" yaml:"modalTitle,omitempty"`
	ModalMessage        string `json:"modalMessage,omitempty" yaml:"modalMessage,omitempty"`
	ContinueButtonLabel string `json:"continueButtonLabel,omitempty" yaml:"continueButtonLabel,omitempty"`
	LogoutButtonLabel   string `json:"logoutButtonLabel,omitempty" yaml:"logoutButtonLabel,omitempty"`
}

type StyleSettings struct {
	ModalHeaderColor    string `json:"modalHeaderColor,omitempty" yaml:"modalHeaderColor,omitempty"`
	ModalBodyColor      string `json:"modalBodyColor,omitempty" yaml:"modalBodyColor,omitempty"`
	ModalFooterColor    string `json:"modalFooterColor,omitempty" yaml:"modalFooterColor,omitempty"`
	ContinueButtonColor string `json:"continueButtonColor,omitempty" yaml:"continueButtonColor,omitempty"`
	LogoutButtonColor   string `json:"logoutButtonColor,omitempty" yaml:"logoutButtonColor,omitempty"`
	CountdownColor      string `json:"countdownColor,omitempty" yaml:"countdownColor,omitempty"`
	ModalWidth          string `json:"modalWidth,omitempty" yaml:"modalWidth,omitempty"`
	ModalBorderRadius   string `json:"modalBorderRadius,omitempty" yaml:"modalBorderRadius,omitempty"`
}

type ActionSettings struct {
	PostTimeoutAction string `json:"postTimeoutAction,omitempty" yaml:"postTimeoutAction,omitempty"`
	RedirectURL       string `json:"redirectUrl,omitempty" yaml:"redirectUrl,omitempty"`
}

// MergeConfig overlays every set field of partial onto defaults and
// normalises the result. A nil partial yields the normalised defaults.
func MergeConfig(defaults TimeoutConfig, partial *RemoteSettings) TimeoutConfig {
	out := defaults
	if partial == nil {
		return out.Normalize()
	}

	if ts := partial.TimeoutSettings; ts != nil {
		if d, ok := millis(ts.InactivityTimeout); ok {
			out.InactivityTimeout = d
		}
		if d, ok := millis(ts.LogoutCountdown); ok {
			out.LogoutCountdown = d
		}
		out.ShowCountdown = ts.ShowCountdown || out.ShowCountdown
	}

	if mc := partial.ModalContent; mc != nil {
		pick(&out.Modal.Title, mc.ModalTitle)
		pick(&out.Modal.Message, mc.ModalMessage)
		pick(&out.Modal.ContinueLabel, mc.ContinueButtonLabel)
		pick(&out.Modal.LogoutLabel, mc.LogoutButtonLabel)
	}

	if ms := partial.ModalStyle; ms != nil {
		pick(&out.Style.HeaderColor, ms.ModalHeaderColor)
		pick(&out.Style.BodyColor, ms.ModalBodyColor)
		pick(&out.Style.FooterColor, ms.ModalFooterColor)
		pick(&out.Style.ContinueButtonColor, ms.ContinueButtonColor)
		pick(&out.Style.LogoutButtonColor, ms.LogoutButtonColor)
		pick(&out.Style.CountdownColor, ms.CountdownColor)
		pick(&out.Style.Width, ms.ModalWidth)
		pick(&out.Style.BorderRadius, ms.ModalBorderRadius)
	}

	if as := partial.ActionSettings; as != nil {
		if as.PostTimeoutAction != "" {
			out.PostTimeoutAction = Action(as.PostTimeoutAction)
		}
		pick(&out.RedirectURL, as.RedirectURL)
	}

	pick(&out.LogoURL, partial.LogoURL)
	pick(&out.LogoImage, partial.LogoImage)

	return out.Normalize()
}

// millis converts a payload millisecond count. Values that are not
// positive or would overflow a Duration are rejected.
func millis(ms int64) (time.Duration, bool) {
	if ms <= 0 || ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func pick(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
