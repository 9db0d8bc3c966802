package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"perpspot/internal/model"
)

var (
	ErrTemplateExists   = errors.New("template already exists")
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidTemplate  = errors.New("invalid template")
)

// DefaultTemplates returns the built-in execution templates.
func DefaultTemplates() []model.ExecutionTemplate {
	return []model.ExecutionTemplate{
		{
			Name:               "SOL Scalping",
			TokenPair:          "SOL-USDC",
			TradeSize:          1000,
			MaxLatencySeconds:  2,
			MinSpreadBps:       30,
			FundingThreshold:   -0.01,
			PreferredDirection: model.DirectionAuto,
			RiskMultiplier:     1,
		},
		{
			Name:               "ETH Conservative",
			TokenPair:          "ETH-USDC",
			TradeSize:          2000,
			MaxLatencySeconds:  3,
			MinSpreadBps:       50,
			FundingThreshold:   -0.005,
			PreferredDirection: model.DirectionLongPerp,
			RiskMultiplier:     1,
		},
		{
			Name:               "BTC Large Size",
			TokenPair:          "BTC-USDC",
			TradeSize:          5000,
			MaxLatencySeconds:  4,
			MinSpreadBps:       40,
			FundingThreshold:   -0.008,
			PreferredDirection: model.DirectionAuto,
			RiskMultiplier:     0.8,
		},
	}
}

// TemplateStore keeps execution templates in memory, keyed by name.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]model.ExecutionTemplate
	now       func() time.Time
}

// NewTemplateStore creates a store seeded with the given templates.
func NewTemplateStore(seed ...model.ExecutionTemplate) *TemplateStore {
	s := &TemplateStore{templates: make(map[string]model.ExecutionTemplate), now: time.Now}
	for _, t := range seed {
		_ = s.Save(t)
	}
	return s
}

// Save adds a template. Names are unique; saving an existing name fails
// with ErrTemplateExists.
func (s *TemplateStore) Save(t model.ExecutionTemplate) error {
	t.Name = strings.TrimSpace(t.Name)
	if err := validate(t); err != nil {
		return err
	}
	if t.RiskMultiplier == 0 {
		t.RiskMultiplier = 1
	}
	if t.PreferredDirection == "" {
		t.PreferredDirection = model.DirectionAuto
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrTemplateExists, t.Name)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.templates[t.Name] = t
	return nil
}

func validate(t model.ExecutionTemplate) error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	case t.TradeSize < 0:
		return fmt.Errorf("%w: trade size must not be negative", ErrInvalidTemplate)
	case t.MaxLatencySeconds < 0:
		return fmt.Errorf("%w: max latency must not be negative", ErrInvalidTemplate)
	case t.RiskMultiplier < 0:
		return fmt.Errorf("%w: risk multiplier must not be negative", ErrInvalidTemplate)
	}
	switch t.PreferredDirection {
	case "", model.DirectionAuto, model.DirectionLongPerp, model.DirectionShortPerp:
		return nil
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidTemplate, t.PreferredDirection)
	}
}

// Delete removes a template by name.
func (s *TemplateStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	delete(s.templates, name)
	return nil
}

func (s *TemplateStore) Get(name string) (model.ExecutionTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// List returns every template sorted by name.
func (s *TemplateStore) List() []model.ExecutionTemplate {
	s.mu.RLock()
	out := make([]model.ExecutionTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
