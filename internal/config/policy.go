package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"gopkg.in/yaml.v3"
)

// Policy holds the scoring and auditing parameters. Overrides come from the
// YAML file named by POLICY_FILE.
type Policy struct {
	Weights scoring.Weights   `yaml:"weights"`
	Buffers scoring.Buffers   `yaml:"buffers_km"`
	Cost    scoring.CostModel `yaml:"cost"`

	ApproveThreshold     float64       `yaml:"approve_threshold"`
	RejectThreshold      float64       `yaml:"reject_threshold"`
	HITLCostThresholdUSD float64       `yaml:"hitl_cost_threshold_usd"`
	RLPenaltyFactor      float64       `yaml:"rl_penalty_factor"`
	RLRewardFactor       float64       `yaml:"rl_reward_factor"`
	HistoryPenaltyWeight float64       `yaml:"history_penalty_weight"`
	HistoryWindow        time.Duration `yaml:"history_window"`
	DefaultSLAScore      float64       `yaml:"default_sla_score"`
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		Weights:              scoring.DefaultWeights(),
		Buffers:              scoring.DefaultBuffers(),
		Cost:                 scoring.DefaultCostModel(),
		ApproveThreshold:     0.85,
		RejectThreshold:      0.4,
		HITLCostThresholdUSD: 50000,
		RLPenaltyFactor:      0.05,
		RLRewardFactor:       0.02,
		HistoryPenaltyWeight: 0.5,
		HistoryWindow:        30 * 24 * time.Hour,
		DefaultSLAScore:      0.5,
	}
}

// LoadPolicy overlays the YAML file at path (if any) on the defaults.
// Keys missing from the file keep their default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Policy{}, fmt.Errorf("read POLICY_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parse POLICY_FILE: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the thresholds are ordered and the weights usable.
func (p Policy) Validate() error {
	if p.RejectThreshold < 0 || p.ApproveThreshold > 1 || p.RejectThreshold >= p.ApproveThreshold {
		return fmt.Errorf("policy thresholds must satisfy 0 <= reject (%v) < approve (%v) <= 1",
			p.RejectThreshold, p.ApproveThreshold)
	}
	w := p.Weights
	if w.Severity < 0 || w.CostSavings < 0 || w.DriveTime < 0 || w.Reliability < 0 || w.SLA < 0 {
		return errors.New("policy weights must not be negative")
	}
	if w.Severity+w.CostSavings+w.DriveTime+w.Reliability+w.SLA == 0 {
		return errors.New("policy weights must not all be zero")
	}
	if p.HITLCostThresholdUSD <= 0 {
		return errors.New("policy hitl_cost_threshold_usd must be positive")
	}
	if p.HistoryWindow <= 0 {
		return errors.New("policy history_window must be positive")
	}
	return nil
}
