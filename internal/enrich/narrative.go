package enrich

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/pkg/anthropic"
)

// NarrativeName is the rubric component fed by the narrative source.
const NarrativeName = "narrative"

// MaxSummaryLen bounds the free-text summary in characters.
const MaxSummaryLen = 500

// Flags a narrative response may raise.
var NarrativeFlags = []string{
	"regulatory_risk",
	"founder_risk",
	"market_risk",
	"traction_risk",
	"governance_risk",
}

const narrativePrompt = `You assess early-stage private companies for an investment committee.
You receive one company as JSON: identity fields and point-in-time features.
Reply with exactly one JSON object and nothing else:
{"team": 0-10, "market": 0-10, "traction": 0-10, "risk": 0-10,
 "flags": [zero or more of "regulatory_risk","founder_risk","market_risk","traction_risk","governance_risk"],
 "summary": "at most 500 characters"}
Higher risk means riskier. Judge only from the supplied data.`

// NarrativeConfig configures the narrative source.
type NarrativeConfig struct {
	Model     string
	MaxTokens int64
	// Confidence is the raw confidence given to a valid response.
	Confidence float64
}

// DefaultNarrativeConfig returns the narrative defaults.
func DefaultNarrativeConfig() NarrativeConfig {
	return NarrativeConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 512, Confidence: 0.6}
}

// Narrative scores the qualitative case through an LLM.
type Narrative struct {
	client anthropic.Client
	cfg    NarrativeConfig
	log    *zap.Logger
}

// NewNarrative creates the narrative source.
func NewNarrative(client anthropic.Client, cfg NarrativeConfig) *Narrative {
	d := DefaultNarrativeConfig()
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = d.Confidence
	}
	return &Narrative{client: client, cfg: cfg, log: zap.L().With(zap.String("component", "enrich.narrative"))}
}

func (n *Narrative) Name() string   { return NarrativeName }
func (n *Narrative) Required() bool { return false }

type narrativeInput struct {
	Name     string            `json:"name"`
	Country  string            `json:"country,omitempty"`
	Sector   string            `json:"sector,omitempty"`
	AsOf     time.Time         `json:"as_of"`
	Features map[string]string `json:"features"`
}

// NarrativeAssessment is the validated response schema.
type NarrativeAssessment struct {
	Team     *float64 `json:"team"`
	Market   *float64 `json:"market"`
	Traction *float64 `json:"traction"`
	Risk     *float64 `json:"risk"`
	Flags    []string `json:"flags"`
	Summary  string   `json:"summary"`
}

// Score maps the sub-scores onto 0..100, risk inverted.
func (a NarrativeAssessment) Score() float64 {
	return (*a.Team + *a.Market + *a.Traction + (10 - *a.Risk)) / 4 * 10
}

// Fetch implements Source.
func (n *Narrative) Fetch(ctx context.Context, entity *model.CanonicalEntity, snap *featurestore.Snapshot) (Signal, error) {
	in := narrativeInput{
		Name:     entity.PrimaryName,
		Country:  entity.Country,
		Sector:   entity.Sector,
		Features: map[string]string{},
	}
	if snap != nil {
		in.AsOf = snap.AsOf
		for _, r := range snap.Records() {
			in.Features[r.Key().String()] = r.Value.String()
		}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return Signal{}, eris.Wrap(err, "enrich: narrative input")
	}

	temp := 0.0
	resp, err := n.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       n.cfg.Model,
		MaxTokens:   n.cfg.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: narrativePrompt, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	})
	if err != nil {
		return Signal{}, err
	}
	resp.Usage.LogCost(n.cfg.Model, NarrativeName)

	a, err := ParseNarrative(resp.Text())
	if err != nil {
		n.log.Warn("enrich: rejected narrative response", zap.String("entity_id", entity.ID), zap.Error(err))
		return Signal{}, err
	}

	var fresh time.Time
	if snap != nil {
		fresh = snap.MaxAsOf()
	}
	return Signal{
		Name:       NarrativeName,
		Value:      a.Score(),
		Confidence: n.cfg.Confidence,
		Freshness:  fresh,
		Flags:      a.Flags,
		Summary:    a.Summary,
		Detail: map[string]float64{
			"team":     *a.Team,
			"market":   *a.Market,
			"traction": *a.Traction,
			"risk":     *a.Risk,
		},
	}, nil
}

// ParseNarrative extracts and validates the assessment object from raw
// model text. Any deviation from the schema is ErrMalformed.
func ParseNarrative(text string) (NarrativeAssessment, error) {
	var a NarrativeAssessment
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return a, eris.Wrap(ErrMalformed, "enrich: narrative: no JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, eris.Wrapf(ErrMalformed, "enrich: narrative: %v", err)
	}

	for name, v := range map[string]*float64{"team": a.Team, "market": a.Market, "traction": a.Traction, "risk": a.Risk} {
		if v == nil {
			return a, eris.Wrapf(ErrMalformed, "enrich: narrative: missing %s", name)
		}
		if *v < 0 || *v > 10 {
			return a, eris.Wrapf(ErrMalformed, "enrich: narrative: %s %.2f outside 0..10", name, *v)
		}
	}
	for _, f := range a.Flags {
		if !slices.Contains(NarrativeFlags, f) {
			return a, eris.Wrapf(ErrMalformed, "enrich: narrative: unknown flag %q", f)
		}
	}
	if utf8.RuneCountInString(a.Summary) > MaxSummaryLen {
		return a, eris.Wrapf(ErrMalformed, "enrich: narrative: summary longer than %d", MaxSummaryLen)
	}
	return a, nil
}
