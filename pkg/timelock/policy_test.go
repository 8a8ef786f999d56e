package timelock

import (
	"errors"
	"testing"
	"time"
)

func TestDurationForStaysWithinBounds(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), SteppedConfig()} {
		p, err := New(cfg)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}
		lo, hi := p.Bounds()
		for _, amount := range []int64{-5, 0, 1, 999, 1_000, 9_999, 10_000, 100_000, 1 << 40} {
			for _, trusted := range []bool{false, true} {
				got := p.DurationFor(amount, Context{BothTrustworthy: trusted})
				if got < lo || got > hi {
					t.Fatalf("mode=%s amount=%d duration %v outside [%v,%v]", cfg.Mode, amount, got, lo, hi)
				}
			}
		}
	}
}

func TestFlatModeReturnsDefault(t *testing.T) {
	p := NewDefault()
	if got := p.DurationFor(100, Context{}); got != 24*time.Hour {
		t.Fatalf("expected 24h default, got %v", got)
	}
	if got := p.DurationFor(1_000_000, Context{}); got != 24*time.Hour {
		t.Fatalf("flat mode must ignore amount, got %v", got)
	}
}

func TestTieredModeSteps(t *testing.T) {
	p, err := New(SteppedConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	cases := []struct {
		amount int64
		want   time.Duration
	}{
		{amount: 10, want: 24 * time.Hour},
		{amount: 1_000, want: 48 * time.Hour},
		{amount: 50_000, want: 72 * time.Hour},
		{amount: 100_000, want: 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := p.DurationFor(tc.amount, Context{}); got != tc.want {
			t.Fatalf("amount=%d got %v want %v", tc.amount, got, tc.want)
		}
	}
}

func TestTierAboveMaxIsClamped(t *testing.T) {
	cfg := SteppedConfig()
	cfg.Tiers = append(cfg.Tiers, Tier{MinAmount: 1_000_000, Duration: 30 * 24 * time.Hour})
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if got := p.DurationFor(2_000_000, Context{}); got != cfg.MaxDuration {
		t.Fatalf("expected clamp to max %v, got %v", cfg.MaxDuration, got)
	}
}

func TestTrustedReductionClampsToMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrustedReduction = 48 * time.Hour
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if got := p.DurationFor(10, Context{BothTrustworthy: true}); got != cfg.MinDuration {
		t.Fatalf("expected min duration, got %v", got)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"zero-min":        func(c *Config) { c.MinDuration = 0 },
		"default-above":   func(c *Config) { c.DefaultDuration = c.MaxDuration + time.Hour },
		"default-below":   func(c *Config) { c.DefaultDuration = c.MinDuration - time.Minute },
		"zero-emergency":  func(c *Config) { c.EmergencyExtension = 0 },
		"zero-dispute":    func(c *Config) { c.DisputeExtension = 0 },
		"tiered-no-tiers": func(c *Config) { c.Mode = ModeTiered; c.Tiers = nil },
		"unknown-mode":    func(c *Config) { c.Mode = "curve" },
		"negative-tier":   func(c *Config) { c.Mode = ModeTiered; c.Tiers = []Tier{{MinAmount: -1, Duration: time.Hour}} },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestUpdateConfigKeepsOldOnError(t *testing.T) {
	p := NewDefault()
	bad := DefaultConfig()
	bad.MaxDuration = time.Minute
	if err := p.UpdateConfig(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if p.Config().MaxDuration != DefaultConfig().MaxDuration {
		t.Fatal("config must be unchanged after rejected update")
	}
	good := DefaultConfig()
	good.EmergencyExtension = 12 * time.Hour
	if err := p.UpdateConfig(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.EmergencyExtension() != 12*time.Hour {
		t.Fatalf("expected updated extension, got %v", p.EmergencyExtension())
	}
	if p.DisputeExtension() != 72*time.Hour {
		t.Fatalf("unexpected dispute extension %v", p.DisputeExtension())
	}
}

func TestClampUsesConfiguredBounds(t *testing.T) {
	p := NewDefault()
	lo, hi := p.Bounds()
	if got := p.Clamp(time.Minute); got != lo {
		t.Fatalf("expected %s, got %s", lo, got)
	}
	if got := p.Clamp(30 * 24 * time.Hour); got != hi {
		t.Fatalf("expected %s, got %s", hi, got)
	}
	if got := p.Clamp(36 * time.Hour); got != 36*time.Hour {
		t.Fatalf("in-range value changed: %s", got)
	}
}
