package gate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/decision-engine/internal/store"
)

// ErrCapReached is returned by Reserve when the period or sector cap is full.
var ErrCapReached = eris.New("gate: policy cap reached")

// PolicyConfig caps the number of Invest outcomes per period.
type PolicyConfig struct {
	// Period is "year" or "quarter".
	Period                string  `yaml:"period" mapstructure:"period"`
	MaxInvestPerPeriod    int     `yaml:"max_invest_per_period" mapstructure:"max_invest_per_period"`
	MaxPerSectorPerPeriod int     `yaml:"max_per_sector_per_period" mapstructure:"max_per_sector_per_period"`
	ChequeSize            float64 `yaml:"cheque_size" mapstructure:"cheque_size"`
}

// DefaultPolicyConfig returns two Invest outcomes a year, one per sector.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{Period: "year", MaxInvestPerPeriod: 2, MaxPerSectorPerPeriod: 1, ChequeSize: 10000}
}

// LoadPolicyConfig reads a policy file over the defaults.
func LoadPolicyConfig(path string) (PolicyConfig, error) {
	cfg := DefaultPolicyConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, eris.Wrapf(err, "gate: read policy %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, eris.Wrapf(err, "gate: parse policy %s", path)
	}
	if cfg.Period != "year" && cfg.Period != "quarter" {
		return cfg, eris.Errorf("gate: policy %s: unknown period %q", path, cfg.Period)
	}
	return cfg, nil
}

// Policy is the portfolio policy overlay backed by atomic store counters.
type Policy struct {
	st  store.PolicyStore
	cfg PolicyConfig
	log *zap.Logger
}

// NewPolicy creates a policy overlay.
func NewPolicy(st store.PolicyStore, cfg PolicyConfig) *Policy {
	return &Policy{
		st:  st,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "policy")),
	}
}

// PeriodOf returns the policy period key containing t.
func (p *Policy) PeriodOf(t time.Time) string {
	t = t.UTC()
	if p.cfg.Period == "quarter" {
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	}
	return fmt.Sprintf("%d", t.Year())
}

// Reserve claims one Invest slot in the period and sector. The store
// increments both counters in one transaction only when both are below cap;
// ErrCapReached reports a full cap.
func (p *Policy) Reserve(ctx context.Context, period, sector string) error {
	sector = normalizeSector(sector)
	ok, err := p.st.ReserveCapacity(ctx, period, sector, p.cfg.MaxInvestPerPeriod, p.cfg.MaxPerSectorPerPeriod)
	if err != nil {
		return eris.Wrapf(err, "gate: reserve %s/%s", period, sector)
	}
	if !ok {
		p.log.Info("policy: cap reached", zap.String("period", period), zap.String("sector", sector))
		return eris.Wrapf(ErrCapReached, "gate: period %s sector %s", period, sector)
	}
	p.log.Debug("policy: reserved", zap.String("period", period), zap.String("sector", sector))
	return nil
}

// Release returns a slot taken by Reserve whose evaluation was never
// recorded.
func (p *Policy) Release(ctx context.Context, period, sector string) error {
	sector = normalizeSector(sector)
	if err := p.st.ReleaseCapacity(ctx, period, sector); err != nil {
		return eris.Wrapf(err, "gate: release %s/%s", period, sector)
	}
	p.log.Info("policy: released", zap.String("period", period), zap.String("sector", sector))
	return nil
}

// Usage returns the counters of a period keyed by sector, with the period
// total under store.TotalScope.
func (p *Policy) Usage(ctx context.Context, period string) (map[string]int, error) {
	u, err := p.st.PolicyUsage(ctx, period)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: usage %s", period)
	}
	return u, nil
}

// Exhausted describes a cap hit for Classify.
func Exhausted(period, sector string) PolicyState {
	return PolicyState{
		Exhausted: true,
		Reason:    fmt.Sprintf("period %s sector %s", period, normalizeSector(sector)),
	}
}

func normalizeSector(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}
