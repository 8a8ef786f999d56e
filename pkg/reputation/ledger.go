package reputation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	MinScore     = 10
	MaxScore     = 100
	NeutralScore = 50

	baseWeight     = 80
	maxDecayPoints = 20
	penaltyWeight  = 30
)

var (
	ErrUnauthorizedUpdater = errors.New("caller is not an authorized reputation updater")
	ErrInvalidConfig       = errors.New("invalid reputation config")
	ErrInvalidInput        = errors.New("invalid reputation input")
)

// VolumeTier awards Bonus once cumulative volume reaches MinVolume.
type VolumeTier struct {
	MinVolume int64 `yaml:"min_volume" json:"min_volume"`
	Bonus     int   `yaml:"bonus" json:"bonus"`
}

type Config struct {
	MinTradesForScore     int           `yaml:"min_trades_for_score" json:"min_trades_for_score"`
	MaxPenaltyPoints      int           `yaml:"max_penalty_points" json:"max_penalty_points"`
	DecayPeriod           time.Duration `yaml:"decay_period" json:"decay_period"`
	TrustThreshold        int           `yaml:"trust_threshold" json:"trust_threshold"`
	VolumeTiers           []VolumeTier  `yaml:"volume_tiers" json:"volume_tiers"`
	InvalidDisputePenalty int           `yaml:"invalid_dispute_penalty" json:"invalid_dispute_penalty"`
	LostDisputePenalty    int           `yaml:"lost_dispute_penalty" json:"lost_dispute_penalty"`
}

func DefaultConfig() Config {
	return Config{
		MinTradesForScore: 3,
		MaxPenaltyPoints:  100,
		DecayPeriod:       180 * 24 * time.Hour,
		TrustThreshold:    70,
		VolumeTiers: []VolumeTier{
			{MinVolume: 1_000, Bonus: 2},
			{MinVolume: 10_000, Bonus: 5},
			{MinVolume: 50_000, Bonus: 7},
			{MinVolume: 100_000, Bonus: 10},
		},
		InvalidDisputePenalty: 5,
		LostDisputePenalty:    10,
	}
}

func (c Config) Validate() error {
	if c.MinTradesForScore < 1 {
		return fmt.Errorf("%w: min trades must be positive", ErrInvalidConfig)
	}
	if c.MaxPenaltyPoints < 1 {
		return fmt.Errorf("%w: max penalty points must be positive", ErrInvalidConfig)
	}
	if c.DecayPeriod <= 0 {
		return fmt.Errorf("%w: decay period must be positive", ErrInvalidConfig)
	}
	if c.TrustThreshold < MinScore || c.TrustThreshold > MaxScore {
		return fmt.Errorf("%w: trust threshold outside [%d,%d]", ErrInvalidConfig, MinScore, MaxScore)
	}
	if c.InvalidDisputePenalty < 0 || c.LostDisputePenalty < 0 {
		return fmt.Errorf("%w: dispute penalties must not be negative", ErrInvalidConfig)
	}
	for i, tier := range c.VolumeTiers {
		if tier.MinVolume < 0 || tier.Bonus < 0 {
			return fmt.Errorf("%w: volume tier %d is negative", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Record is the stored history for one user. Score and trust are derived.
type Record struct {
	User             string    `json:"user"`
	TotalTrades      int64     `json:"total_trades"`
	SuccessfulTrades int64     `json:"successful_trades"`
	TotalVolume      int64     `json:"total_volume"`
	DisputesRaised   int64     `json:"disputes_raised"`
	DisputesAgainst  int64     `json:"disputes_against"`
	PenaltyPoints    int       `json:"penalty_points"`
	LastPenalty      string    `json:"last_penalty,omitempty"`
	LastTradeAt      time.Time `json:"last_trade_at"`
	JoinedAt         time.Time `json:"joined_at"`
}

type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	users    map[string]*Record
	updaters map[string]struct{}
}

func New(cfg Config, updaters ...string) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:      normalize(cfg),
		users:    map[string]*Record{},
		updaters: map[string]struct{}{},
	}
	for _, u := range updaters {
		l.Authorize(u)
	}
	return l, nil
}

func NewDefault() *Ledger {
	l, _ := New(DefaultConfig())
	return l
}

func normalize(cfg Config) Config {
	tiers := append([]VolumeTier(nil), cfg.VolumeTiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinVolume < tiers[j].MinVolume })
	cfg.VolumeTiers = tiers
	return cfg
}

func (l *Ledger) Authorize(updater string) {
	updater = strings.TrimSpace(updater)
	if updater == "" {
		return
	}
	l.mu.Lock()
	l.updaters[updater] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) Revoke(updater string) {
	l.mu.Lock()
	delete(l.updaters, strings.TrimSpace(updater))
	l.mu.Unlock()
}

func (l *Ledger) IsUpdater(caller string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.updaters[caller]
	return ok
}

func (l *Ledger) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg := l.cfg
	cfg.VolumeTiers = append([]VolumeTier(nil), l.cfg.VolumeTiers...)
	return cfg
}

func (l *Ledger) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = normalize(cfg)
	l.mu.Unlock()
	return nil
}

// RecordTrade counts one completed trade for user and returns the new score.
func (l *Ledger) RecordTrade(caller, user string, amount int64, successful bool, now time.Time) (int, error) {
	if amount < 0 || strings.TrimSpace(user) == "" {
		return 0, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkUpdaterLocked(caller); err != nil {
		return 0, err
	}
	r := l.recordLocked(user, now)
	r.TotalTrades++
	if successful {
		r.SuccessfulTrades++
	}
	r.TotalVolume += amount
	r.LastTradeAt = now
	return score(l.cfg, *r, now), nil
}

// RecordDispute books a dispute outcome. A defendant who loses takes
// LostDisputePenalty; a claimant whose dispute fails takes InvalidDisputePenalty.
func (l *Ledger) RecordDispute(caller, claimant, defendant string, claimantWon bool, now time.Time) error {
	if strings.TrimSpace(claimant) == "" || strings.TrimSpace(defendant) == "" || claimant == defendant {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkUpdaterLocked(caller); err != nil {
		return err
	}
	c := l.recordLocked(claimant, now)
	d := l.recordLocked(defendant, now)
	c.DisputesRaised++
	d.DisputesAgainst++
	if claimantWon {
		l.addPenaltyLocked(d, l.cfg.LostDisputePenalty)
	} else {
		l.addPenaltyLocked(c, l.cfg.InvalidDisputePenalty)
	}
	return nil
}

// ApplyPenalty adds points to user, capped at MaxPenaltyPoints.
func (l *Ledger) ApplyPenalty(caller, user string, points int, reason string, now time.Time) (int, error) {
	if points <= 0 || strings.TrimSpace(user) == "" {
		return 0, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkUpdaterLocked(caller); err != nil {
		return 0, err
	}
	r := l.recordLocked(user, now)
	l.addPenaltyLocked(r, points)
	r.LastPenalty = strings.TrimSpace(reason)
	return score(l.cfg, *r, now), nil
}

func (l *Ledger) Score(user string, now time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.users[user]
	if !ok {
		return NeutralScore
	}
	return score(l.cfg, *r, now)
}

// IsTrustworthy requires the score threshold, the minimum trade count and a
// penalty total below half the maximum.
func (l *Ledger) IsTrustworthy(user string, now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.users[user]
	if !ok {
		return false
	}
	if score(l.cfg, *r, now) < l.cfg.TrustThreshold {
		return false
	}
	if r.TotalTrades < int64(l.cfg.MinTradesForScore) {
		return false
	}
	return r.PenaltyPoints*2 < l.cfg.MaxPenaltyPoints
}

func (l *Ledger) Get(user string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.users[user]
	if !ok {
		return Record{User: user}, false
	}
	return *r, true
}

// Restore loads a persisted record without authorization checks.
func (l *Ledger) Restore(r Record) {
	if r.User == "" {
		return
	}
	l.mu.Lock()
	cp := r
	l.users[r.User] = &cp
	l.mu.Unlock()
}

func (l *Ledger) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.users))
	for _, r := range l.users {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

func (l *Ledger) checkUpdaterLocked(caller string) error {
	if _, ok := l.updaters[caller]; !ok {
		return fmt.Errorf("%w: %q", ErrUnauthorizedUpdater, caller)
	}
	return nil
}

func (l *Ledger) recordLocked(user string, now time.Time) *Record {
	r, ok := l.users[user]
	if !ok {
		r = &Record{User: user, JoinedAt: now}
		l.users[user] = r
	}
	return r
}

func (l *Ledger) addPenaltyLocked(r *Record, points int) {
	r.PenaltyPoints += points
	if r.PenaltyPoints > l.cfg.MaxPenaltyPoints {
		r.PenaltyPoints = l.cfg.MaxPenaltyPoints
	}
}

func score(cfg Config, r Record, now time.Time) int {
	if r.TotalTrades < int64(cfg.MinTradesForScore) || r.TotalTrades == 0 {
		return NeutralScore
	}
	s := int(baseWeight * r.SuccessfulTrades / r.TotalTrades)
	s += volumeBonus(cfg.VolumeTiers, r.TotalVolume)
	s -= decay(cfg.DecayPeriod, r.LastTradeAt, now)
	s -= penaltyWeight * r.PenaltyPoints / cfg.MaxPenaltyPoints
	return clamp(s)
}

func volumeBonus(tiers []VolumeTier, volume int64) int {
	bonus := 0
	for _, tier := range tiers {
		if volume >= tier.MinVolume {
			bonus = tier.Bonus
		}
	}
	return bonus
}

func decay(period time.Duration, last, now time.Time) int {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= period {
		return maxDecayPoints
	}
	return int(int64(maxDecayPoints) * int64(elapsed) / int64(period))
}

func clamp(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
