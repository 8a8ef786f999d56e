// Package config loads the policy module configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

// Policy holds the configuration of every policy module plus their initial rosters.
// Durations use Go syntax ("48h", "90m").
type Policy struct {
	TimeLock         timelock.Config    `yaml:"timelock"`
	Emergency        emergency.Config   `yaml:"emergency"`
	Arbitration      arbitration.Config `yaml:"arbitration"`
	Reputation       reputation.Config  `yaml:"reputation"`
	Arbitrators      []string           `yaml:"arbitrators"`
	SecurityContacts []string           `yaml:"security_contacts"`
}

func Default() Policy {
	return Policy{
		TimeLock:    timelock.DefaultConfig(),
		Emergency:   emergency.DefaultConfig(),
		Arbitration: arbitration.DefaultConfig(),
		Reputation:  reputation.DefaultConfig(),
	}
}

// Validate runs each module's own validation.
func (p Policy) Validate() error {
	return errors.Join(
		p.TimeLock.Validate(),
		p.Emergency.Validate(),
		p.Arbitration.Validate(),
		p.Reputation.Validate(),
	)
}

// Load returns Default when path is empty; otherwise the file must exist and
// its values overlay the defaults.
func Load(path string) (Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Parse overlays the YAML document on Default. Unknown keys are rejected.
func Parse(raw []byte) (Policy, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.Arbitrators = trimAll(p.Arbitrators)
	p.SecurityContacts = trimAll(p.SecurityContacts)
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
