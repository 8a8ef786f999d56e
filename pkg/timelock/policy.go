package timelock

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	ModeFlat   = "flat"
	ModeTiered = "tiered"
)

var ErrInvalidConfig = errors.New("invalid time-lock config")

// Tier applies Duration to trades whose amount is at least MinAmount.
type Tier struct {
	MinAmount int64         `yaml:"min_amount" json:"min_amount"`
	Duration  time.Duration `yaml:"duration" json:"duration"`
}

type Config struct {
	MinDuration        time.Duration `yaml:"min_duration" json:"min_duration"`
	MaxDuration        time.Duration `yaml:"max_duration" json:"max_duration"`
	DefaultDuration    time.Duration `yaml:"default_duration" json:"default_duration"`
	EmergencyExtension time.Duration `yaml:"emergency_extension" json:"emergency_extension"`
	DisputeExtension   time.Duration `yaml:"dispute_extension" json:"dispute_extension"`
	Mode               string        `yaml:"mode" json:"mode"`
	Tiers              []Tier        `yaml:"tiers" json:"tiers,omitempty"`
	// TrustedReduction shortens the lock when both parties are trustworthy.
	TrustedReduction time.Duration `yaml:"trusted_reduction" json:"trusted_reduction"`
}

// Context carries per-trade facts the policy may take into account.
type Context struct {
	Buyer           string
	Seller          string
	BothTrustworthy bool
}

func DefaultConfig() Config {
	return Config{
		MinDuration:        time.Hour,
		MaxDuration:        7 * 24 * time.Hour,
		DefaultDuration:    24 * time.Hour,
		EmergencyExtension: 48 * time.Hour,
		DisputeExtension:   72 * time.Hour,
		Mode:               ModeFlat,
	}
}

// SteppedConfig is the tiered preset: larger trades wait longer.
func SteppedConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeTiered
	cfg.Tiers = []Tier{
		{MinAmount: 0, Duration: 24 * time.Hour},
		{MinAmount: 1_000, Duration: 48 * time.Hour},
		{MinAmount: 10_000, Duration: 72 * time.Hour},
		{MinAmount: 100_000, Duration: 7 * 24 * time.Hour},
	}
	return cfg
}

func (c Config) Validate() error {
	if c.MinDuration <= 0 || c.MaxDuration <= 0 || c.DefaultDuration <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	}
	if c.EmergencyExtension <= 0 || c.DisputeExtension <= 0 {
		return fmt.Errorf("%w: extensions must be positive", ErrInvalidConfig)
	}
	if c.MinDuration > c.DefaultDuration || c.DefaultDuration > c.MaxDuration {
		return fmt.Errorf("%w: require min <= default <= max", ErrInvalidConfig)
	}
	if c.TrustedReduction < 0 {
		return fmt.Errorf("%w: trusted reduction must not be negative", ErrInvalidConfig)
	}
	switch normalizeMode(c.Mode) {
	case ModeFlat:
	case ModeTiered:
		if len(c.Tiers) == 0 {
			return fmt.Errorf("%w: tiered mode requires tiers", ErrInvalidConfig)
		}
		for _, t := range c.Tiers {
			if t.MinAmount < 0 || t.Duration <= 0 {
				return fmt.Errorf("%w: tier %d has invalid bounds", ErrInvalidConfig, t.MinAmount)
			}
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// Policy computes lock durations. It is safe for concurrent use; config
// updates are atomic with respect to readers.
type Policy struct {
	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config) (*Policy, error) {
	cfg = normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

func NewDefault() *Policy {
	return &Policy{cfg: normalize(DefaultConfig())}
}

// DurationFor returns the lock duration for amount, always within
// [MinDuration, MaxDuration].
func (p *Policy) DurationFor(amount int64, tc Context) time.Duration {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	d := cfg.DefaultDuration
	if cfg.Mode == ModeTiered {
		for _, t := range cfg.Tiers {
			if amount >= t.MinAmount {
				d = t.Duration
			}
		}
	}
	if tc.BothTrustworthy && cfg.TrustedReduction > 0 {
		d -= cfg.TrustedReduction
	}
	return clamp(d, cfg.MinDuration, cfg.MaxDuration)
}

func (p *Policy) DisputeExtension() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.DisputeExtension
}

func (p *Policy) EmergencyExtension() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.EmergencyExtension
}

// Bounds returns the accepted [min, max] range for caller supplied locks.
func (p *Policy) Bounds() (time.Duration, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.MinDuration, p.cfg.MaxDuration
}

// Clamp bounds d to the configured range.
func (p *Policy) Clamp(d time.Duration) time.Duration {
	lo, hi := p.Bounds()
	return clamp(d, lo, hi)
}

func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.cfg
	out.Tiers = append([]Tier(nil), p.cfg.Tiers...)
	return out
}

func (p *Policy) UpdateConfig(cfg Config) error {
	cfg = normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func normalize(cfg Config) Config {
	cfg.Mode = normalizeMode(cfg.Mode)
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinAmount < tiers[j].MinAmount })
	cfg.Tiers = tiers
	return cfg
}

func normalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return ModeFlat
	}
	return mode
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
