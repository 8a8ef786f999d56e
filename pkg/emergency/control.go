// Package emergency tracks panic activations: cooldown per subject, a capped
// number of activations per rolling window, and best-effort notification of
// the configured security contacts.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/ratelimit"
)

var (
	// ErrNotYet marks refusals the caller may retry later.
	ErrNotYet                 = errors.New("not yet")
	ErrCooldownActive         = fmt.Errorf("%w: emergency cooldown active", ErrNotYet)
	ErrMaxActivationsExceeded = fmt.Errorf("%w: emergency activations exhausted for window", ErrNotYet)
	ErrInvalidConfig          = errors.New("invalid emergency config")
	ErrInvalidContact         = errors.New("invalid security contact")
)

type Config struct {
	CooldownPeriod time.Duration `yaml:"cooldown_period" json:"cooldown_period"`
	Window         time.Duration `yaml:"window" json:"window"`
	MaxActivations int           `yaml:"max_activations" json:"max_activations"`
	Extension      time.Duration `yaml:"extension" json:"extension"`
	NotifyTimeout  time.Duration `yaml:"notify_timeout" json:"notify_timeout"`
}

func DefaultConfig() Config {
	return Config{
		CooldownPeriod: time.Hour,
		Window:         24 * time.Hour,
		MaxActivations: 3,
		Extension:      48 * time.Hour,
		NotifyTimeout:  2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.CooldownPeriod < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	if c.Window <= 0 || c.MaxActivations <= 0 || c.Extension <= 0 {
		return fmt.Errorf("%w: window, max activations and extension must be positive", ErrInvalidConfig)
	}
	return nil
}

// Activation is what the notifier receives.
type Activation struct {
	EscrowID    string        `json:"escrow_id"`
	Subject     string        `json:"subject"`
	CodeHash    string        `json:"-"`
	Reason      string        `json:"reason"`
	Extension   time.Duration `json:"extension"`
	ActivatedAt time.Time     `json:"activated_at"`
	Contacts    []string      `json:"contacts"`
}

type Notifier interface {
	Notify(ctx context.Context, a Activation) error
}

type Status struct {
	Subject          string    `json:"subject"`
	LastActivation   time.Time `json:"last_activation,omitempty"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`
	TotalActivations int       `json:"total_activations"`
}

type Control struct {
	mu       sync.Mutex
	cfg      Config
	limiter  ratelimit.Limiter
	notifier Notifier
	contacts []string
	last     map[string]time.Time
	total    map[string]int
	inflight sync.WaitGroup
}

type Option func(*Control)

// WithLimiter replaces the in-memory window counter, e.g. with a Redis one
// shared between gateway replicas.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Control) {
		if l != nil {
			c.limiter = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Control) { c.notifier = n }
}

func New(cfg Config, opts ...Option) (*Control, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Control{
		cfg:     cfg,
		limiter: ratelimit.NewInMemory(cfg.Window),
		last:    map[string]time.Time{},
		total:   map[string]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Activate records a panic activation for subject and returns the lock
// extension to apply. Cooldown and window refusals still return the
// configured extension alongside the error: a distressed user must never be
// prevented from extending a lock, so callers may apply it anyway.
func (c *Control) Activate(ctx context.Context, escrowID, subject, codeHash, reason string, now time.Time) (time.Duration, error) {
	subject = strings.TrimSpace(subject)
	c.mu.Lock()
	cfg := c.cfg
	if last, ok := c.last[subject]; ok && cfg.CooldownPeriod > 0 && now.Before(last.Add(cfg.CooldownPeriod)) {
		c.mu.Unlock()
		return cfg.Extension, ErrCooldownActive
	}
	decision := c.limiter.Allow("emergency:"+subject, cfg.MaxActivations, now)
	if !decision.Allowed {
		c.mu.Unlock()
		return cfg.Extension, ErrMaxActivationsExceeded
	}
	c.last[subject] = now
	c.total[subject]++
	contacts := append([]string(nil), c.contacts...)
	notifier := c.notifier
	c.mu.Unlock()

	if notifier != nil && len(contacts) > 0 {
		c.dispatch(ctx, notifier, Activation{
			EscrowID:    escrowID,
			Subject:     subject,
			CodeHash:    codeHash,
			Reason:      reason,
			Extension:   cfg.Extension,
			ActivatedAt: now,
			Contacts:    contacts,
		}, cfg.NotifyTimeout)
	}
	return cfg.Extension, nil
}

// dispatch notifies in the background so a slow or stuck notifier never
// holds up the activation or the escrow calling it.
func (c *Control) dispatch(ctx context.Context, n Notifier, a Activation, timeout time.Duration) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.notify(ctx, n, a, timeout)
	}()
}

// Wait blocks until every dispatched notification has returned.
func (c *Control) Wait() {
	c.inflight.Wait()
}

func (c *Control) notify(ctx context.Context, n Notifier, a Activation, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("emergency: notifier panic for escrow %s: %v", a.EscrowID, r)
		}
	}()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := n.Notify(nctx, a); err != nil {
		log.Printf("emergency: notify security contacts for escrow %s: %v", a.EscrowID, err)
	}
}

func (c *Control) Extension() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Extension
}

func (c *Control) Status(subject string, now time.Time) Status {
	subject = strings.TrimSpace(subject)
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Subject: subject, TotalActivations: c.total[subject]}
	if last, ok := c.last[subject]; ok {
		st.LastActivation = last
		if until := last.Add(c.cfg.CooldownPeriod); now.Before(until) {
			st.CooldownUntil = until
		}
	}
	return st
}

func (c *Control) AddSecurityContact(contact string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return ErrInvalidContact
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.contacts {
		if strings.EqualFold(existing, contact) {
			return nil
		}
	}
	c.contacts = append(c.contacts, contact)
	return nil
}

func (c *Control) RemoveSecurityContact(contact string) {
	contact = strings.TrimSpace(contact)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.contacts[:0]
	for _, existing := range c.contacts {
		if !strings.EqualFold(existing, contact) {
			out = append(out, existing)
		}
	}
	c.contacts = out
}

func (c *Control) Contacts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.contacts...)
}

func (c *Control) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig swaps the configuration. A changed window starts a fresh
// in-memory counter; an injected limiter is kept as is.
func (c *Control) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mem, ok := c.limiter.(*ratelimit.InMemoryLimiter); ok && mem.Window() != cfg.Window {
		c.limiter = ratelimit.NewInMemory(cfg.Window)
	}
	c.cfg = cfg
	return nil
}
