package policy

import (
	"testing"

	"moverbot-go/internal/config"
)

func testPolicy() config.Policy {
	return config.Policy{
		PaperTradingActive:   true,
		LiveExecutionAllowed: false,
		Users: []config.UserPolicy{
			{ID: "u1", AutoTradingEnabled: true, LiveEnabled: false, MarginFraction: 0.5},
			{ID: "u2", AutoTradingEnabled: true, LiveEnabled: true},
			{ID: "u3", AutoTradingEnabled: false, LiveEnabled: true},
		},
	}
}

func TestResolveModeLayering(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Policy)
		userID string
		want   Mode
	}{
		{"paper user under paper regime", nil, "u1", ModePaper},
		{"live flag without global allowance stays paper", nil, "u2", ModePaper},
		{"auto-trading off means off", nil, "u3", ModeOff},
		{"unknown user is off", nil, "ghost", ModeOff},
		{
			"halt beats everything",
			func(p *config.Policy) { p.MarketHalt = true; p.LiveExecutionAllowed = true },
			"u2", ModeOff,
		},
		{
			"live needs both layers",
			func(p *config.Policy) { p.LiveExecutionAllowed = true },
			"u2", ModeLive,
		},
		{
			"global live does not promote a paper user",
			func(p *config.Policy) { p.LiveExecutionAllowed = true },
			"u1", ModePaper,
		},
		{
			"paper regime disabled means off",
			func(p *config.Policy) { p.PaperTradingActive = false },
			"u1", ModeOff,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testPolicy()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			if got := NewStatic(cfg).ResolveMode(tc.userID); got != tc.want {
				t.Fatalf("ResolveMode(%s) = %s, want %s", tc.userID, got, tc.want)
			}
		})
	}
}

func TestUsersFiltersAndDefaults(t *testing.T) {
	users := NewStatic(testPolicy()).Users()
	if len(users) != 2 {
		t.Fatalf("expected 2 auto-trading users, got %d", len(users))
	}
	if users[0].ID != "u1" || users[0].MarginFraction != 0.5 {
		t.Fatalf("unexpected first user %+v", users[0])
	}
	if users[1].MarginFraction != 1 {
		t.Fatalf("missing margin fraction should default to 1, got %g", users[1].MarginFraction)
	}
}
