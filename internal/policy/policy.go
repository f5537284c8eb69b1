// Package policy resolves layered trading flags into a per-user execution
// mode. The global halt switch beats everything; live execution needs the
// global allowance and the user's own opt-in.
package policy

import "moverbot-go/internal/config"

// Mode is the execution mode resolved for one user.
type Mode string

const (
	ModeOff   Mode = "off"
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// User is one user's resolved trading profile.
type User struct {
	ID             string
	MarginFraction float64
	AutoTrading    bool
	LiveEnabled    bool
}

// Provider answers mode questions for the trade engine.
type Provider interface {
	// ResolveMode layers the global flags over the user's own.
	ResolveMode(userID string) Mode
	// Users lists users with auto-trading enabled.
	Users() []User
	// Halted reports the global kill switch.
	Halted() bool
}

// Static resolves policy from configuration loaded at startup.
type Static struct {
	cfg config.Policy
}

var _ Provider = (*Static)(nil)

// NewStatic builds a provider over config flags.
func NewStatic(cfg config.Policy) *Static {
	return &Static{cfg: cfg}
}

// ResolveMode implements Provider.
//
// Layering: halt -> off; user not auto-trading -> off; live needs both the
// global allowance and the user flag; otherwise paper when globally active.
func (s *Static) ResolveMode(userID string) Mode {
	if s.cfg.MarketHalt {
		return ModeOff
	}
	user, ok := s.user(userID)
	if !ok || !user.AutoTradingEnabled {
		return ModeOff
	}
	if s.cfg.LiveExecutionAllowed && user.LiveEnabled {
		return ModeLive
	}
	if s.cfg.PaperTradingActive {
		return ModePaper
	}
	return ModeOff
}

// Users implements Provider.
func (s *Static) Users() []User {
	out := make([]User, 0, len(s.cfg.Users))
	for _, u := range s.cfg.Users {
		if !u.AutoTradingEnabled {
			continue
		}
		fraction := u.MarginFraction
		if fraction <= 0 || fraction > 1 {
			fraction = 1
		}
		out = append(out, User{
			ID:             u.ID,
			MarginFraction: fraction,
			AutoTrading:    true,
			LiveEnabled:    u.LiveEnabled,
		})
	}
	return out
}

// Halted implements Provider.
func (s *Static) Halted() bool { return s.cfg.MarketHalt }

func (s *Static) user(id string) (config.UserPolicy, bool) {
	for _, u := range s.cfg.Users {
		if u.ID == id {
			return u, true
		}
	}
	return config.UserPolicy{}, false
}
