// Package resolve maps source-specific company references onto canonical
// entities with a confidence score and a human review gate.
package resolve

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

var (
	// ErrInvalidReference is returned when a reference lacks source or source id.
	ErrInvalidReference = eris.New("resolve: source and source id are required")
	// ErrLinkRejected is returned when reviewing a link that was already rejected.
	ErrLinkRejected = eris.New("resolve: link already rejected")
	// ErrNotPending is returned when reviewing a link that is not awaiting review.
	ErrNotPending = eris.New("resolve: link is not pending review")
)

// Reference is one source's view of a company.
type Reference struct {
	Source       string `json:"source"`
	SourceID     string `json:"source_id"`
	Name         string `json:"name"`
	Country      string `json:"country,omitempty"`
	FoundingYear int    `json:"founding_year,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Sector       string `json:"sector,omitempty"`
	RegistryID   string `json:"registry_id,omitempty"`
}

// Result is the outcome of resolving one reference.
type Result struct {
	Entity     *model.CanonicalEntity `json:"entity"`
	Link       *model.EntityLink      `json:"link"`
	Confidence float64                `json:"confidence"`
	Method     model.MatchMethod      `json:"method"`
	Created    bool                   `json:"created"`
}

// NeedsReview reports whether scoring must wait for a human.
func (r Result) NeedsReview() bool {
	return r.Link != nil && r.Link.Blocked()
}

// MatchWeights weight the probabilistic similarity components.
type MatchWeights struct {
	Name      float64 `yaml:"name" mapstructure:"name"`
	Domain    float64 `yaml:"domain" mapstructure:"domain"`
	Sector    float64 `yaml:"sector" mapstructure:"sector"`
	Geography float64 `yaml:"geography" mapstructure:"geography"`
}

// Sum returns the total weight.
func (w MatchWeights) Sum() float64 { return w.Name + w.Domain + w.Sector + w.Geography }

// Config tunes matching thresholds.
type Config struct {
	ReviewThreshold float64      `yaml:"review_threshold" mapstructure:"review_threshold"`
	CreateThreshold float64      `yaml:"create_threshold" mapstructure:"create_threshold"`
	YearTolerance   int          `yaml:"year_tolerance" mapstructure:"year_tolerance"`
	SameYear        float64      `yaml:"same_year" mapstructure:"same_year"`
	WithinTolerance float64      `yaml:"within_tolerance" mapstructure:"within_tolerance"`
	UnknownYear     float64      `yaml:"unknown_year" mapstructure:"unknown_year"`
	CandidateLimit  int          `yaml:"candidate_limit" mapstructure:"candidate_limit"`
	Weights         MatchWeights `yaml:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the production matching thresholds.
func DefaultConfig() Config {
	return Config{
		ReviewThreshold: 70,
		CreateThreshold: 50,
		YearTolerance:   1,
		SameYear:        95,
		WithinTolerance: 92,
		UnknownYear:     90,
		CandidateLimit:  500,
		Weights:         MatchWeights{Name: 0.55, Domain: 0.20, Sector: 0.10, Geography: 0.15},
	}
}

// Resolver links references to canonical entities.
type Resolver struct {
	store store.EntityStore
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// NewResolver creates a resolver over the given entity store.
func NewResolver(st store.EntityStore, cfg Config) *Resolver {
	return &Resolver{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "resolve")),
	}
}

type match struct {
	entity     *model.CanonicalEntity
	confidence float64
	method     model.MatchMethod
}

// Resolve returns the entity a reference belongs to, creating one when no
// candidate is close enough. Resolving the same (source, source id) twice
// returns the existing link.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (Result, error) {
	if strings.TrimSpace(ref.Source) == "" || strings.TrimSpace(ref.SourceID) == "" {
		return Result{}, ErrInvalidReference
	}

	if res, ok, err := r.existing(ctx, ref); err != nil || ok {
		return res, err
	}

	m, err := r.findMatch(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	created := false
	if m == nil {
		e, err := r.createEntity(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		m = &match{entity: e, confidence: 100, method: model.MatchExactID}
		created = true
	}

	link := r.newLink(ref, m)
	if err := r.store.CreateLink(ctx, link); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another writer linked the same reference first.
			if res, ok, err := r.existing(ctx, ref); err != nil || ok {
				return res, err
			}
		}
		return Result{}, eris.Wrap(err, "resolve: create link")
	}

	if !created && link.Status == model.ReviewAutoConfirmed {
		r.enrichEntity(ctx, m.entity, ref)
	}

	r.log.Info("resolve: linked reference",
		zap.String("source", ref.Source),
		zap.String("source_id", ref.SourceID),
		zap.String("entity_id", m.entity.ID),
		zap.String("method", string(m.method)),
		zap.Float64("confidence", m.confidence),
		zap.String("status", string(link.Status)),
	)
	return Result{Entity: m.entity, Link: link, Confidence: m.confidence, Method: m.method, Created: created}, nil
}

func (r *Resolver) existing(ctx context.Context, ref Reference) (Result, bool, error) {
	link, err := r.store.FindActiveLink(ctx, ref.Source, ref.SourceID)
	if err != nil {
		return Result{}, false, eris.Wrap(err, "resolve: find link")
	}
	if link == nil {
		return Result{}, false, nil
	}
	e, err := r.store.GetEntity(ctx, link.EntityID)
	if err != nil {
		return Result{}, false, eris.Wrap(err, "resolve: load linked entity")
	}
	return Result{Entity: e, Link: link, Confidence: link.EffectiveConfidence(), Method: link.Method}, true, nil
}

func (r *Resolver) findMatch(ctx context.Context, ref Reference) (*match, error) {
	// Pass 1: cross-source registry identifier.
	if ref.RegistryID != "" {
		e, err := r.store.FindEntityByRegistryID(ctx, ref.RegistryID)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: find by registry id")
		}
		if e != nil {
			r.log.Debug("resolve: matched by registry id", zap.String("registry_id", ref.RegistryID))
			return &match{entity: e, confidence: 100, method: model.MatchExactID}, nil
		}
	}

	name := NormalizeName(ref.Name)
	country := strings.ToLower(ref.Country)

	// Pass 2: normalized legal name + country + founding year.
	if name != "" {
		candidates, err := r.store.FindEntitiesByName(ctx, name, country)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: find by name")
		}
		var best *match
		for i := range candidates {
			conf, ok := r.deterministic(ref.FoundingYear, candidates[i].FoundingYear())
			if ok && (best == nil || conf > best.confidence) {
				best = &match{entity: &candidates[i], confidence: conf, method: model.MatchDeterministic}
			}
		}
		if best != nil {
			return best, nil
		}
	}

	// Pass 3: weighted similarity over the candidate block.
	if name == "" {
		return nil, nil
	}
	candidates, err := r.store.ListEntityCandidates(ctx, country, r.cfg.CandidateLimit)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: list candidates")
	}
	var best *match
	for i := range candidates {
		c := &candidates[i]
		if c.Country != country && !shareToken(name, c.NormalizedName) {
			continue
		}
		conf := r.similarity(ref, name, c)
		if conf >= r.cfg.CreateThreshold && (best == nil || conf > best.confidence) {
			best = &match{entity: c, confidence: conf, method: model.MatchProbabilistic}
		}
	}
	return best, nil
}

// deterministic scores an exact name+country match by founding year
// agreement. It reports false when the years are too far apart.
func (r *Resolver) deterministic(refYear, entityYear int) (float64, bool) {
	if refYear == 0 || entityYear == 0 {
		return r.cfg.UnknownYear, true
	}
	diff := refYear - entityYear
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return r.cfg.SameYear, true
	case diff <= r.cfg.YearTolerance:
		return r.cfg.WithinTolerance, true
	}
	return 0, false
}

func (r *Resolver) similarity(ref Reference, name string, c *model.CanonicalEntity) float64 {
	w := r.cfg.Weights
	score := w.Name * levenshtein.Similarity(name, c.NormalizedName, nil)

	if d := NormalizeDomain(ref.Domain); d != "" && d == c.Domain {
		score += w.Domain
	}
	if ref.Sector != "" && strings.EqualFold(ref.Sector, c.Sector) {
		score += w.Sector
	}
	if ref.Country != "" && strings.EqualFold(ref.Country, c.Country) {
		score += w.Geography
	}
	return math.Round(100 * score)
}

func (r *Resolver) createEntity(ctx context.Context, ref Reference) (*model.CanonicalEntity, error) {
	now := r.now().UTC()
	e := &model.CanonicalEntity{
		ID:             uuid.New().String(),
		PrimaryName:    strings.TrimSpace(ref.Name),
		NormalizedName: NormalizeName(ref.Name),
		Country:        strings.ToLower(ref.Country),
		Sector:         strings.ToLower(ref.Sector),
		Domain:         NormalizeDomain(ref.Domain),
		RegistryID:     ref.RegistryID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ref.FoundingYear > 0 {
		fd := time.Date(ref.FoundingYear, 1, 1, 0, 0, 0, 0, time.UTC)
		e.FoundingDate = &fd
	}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		return nil, eris.Wrap(err, "resolve: create entity")
	}
	r.log.Info("resolve: created new entity",
		zap.String("entity_id", e.ID),
		zap.String("name", e.PrimaryName),
	)
	return e, nil
}

func (r *Resolver) newLink(ref Reference, m *match) *model.EntityLink {
	status := model.ReviewAutoConfirmed
	if m.confidence < r.cfg.ReviewThreshold {
		status = model.ReviewNeedsReview
	}
	return &model.EntityLink{
		ID:         uuid.New().String(),
		EntityID:   m.entity.ID,
		Source:     ref.Source,
		SourceID:   ref.SourceID,
		SourceName: strings.TrimSpace(ref.Name),
		Method:     m.method,
		Confidence: m.confidence,
		Status:     status,
		CreatedAt:  r.now().UTC(),
	}
}

// enrichEntity fills fields the entity lacks from a confirmed reference.
// Failures are logged; the link already stands.
func (r *Resolver) enrichEntity(ctx context.Context, e *model.CanonicalEntity, ref Reference) {
	changed := false
	if e.Sector == "" && ref.Sector != "" {
		e.Sector = strings.ToLower(ref.Sector)
		changed = true
	}
	if e.Domain == "" && ref.Domain != "" {
		e.Domain = NormalizeDomain(ref.Domain)
		changed = true
	}
	if e.RegistryID == "" && ref.RegistryID != "" {
		e.RegistryID = ref.RegistryID
		changed = true
	}
	if e.Country == "" && ref.Country != "" {
		e.Country = strings.ToLower(ref.Country)
		changed = true
	}
	if e.FoundingDate == nil && ref.FoundingYear > 0 {
		fd := time.Date(ref.FoundingYear, 1, 1, 0, 0, 0, 0, time.UTC)
		e.FoundingDate = &fd
		changed = true
	}
	if !changed {
		return
	}
	e.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateEntity(ctx, e); err != nil {
		r.log.Warn("resolve: failed to update entity", zap.String("entity_id", e.ID), zap.Error(err))
	}
}

// PendingReviews lists links waiting for a human decision.
func (r *Resolver) PendingReviews(ctx context.Context) ([]model.EntityLink, error) {
	links, err := r.store.ListLinks(ctx, model.ReviewNeedsReview)
	return links, eris.Wrap(err, "resolve: list pending reviews")
}

// Confirm accepts a pending link. The link then counts as full confidence.
func (r *Resolver) Confirm(ctx context.Context, linkID, reviewer, reason string) (*model.EntityLink, error) {
	if _, err := r.pending(ctx, linkID); err != nil {
		return nil, err
	}
	if err := r.store.ReviewLink(ctx, linkID, model.ReviewAutoConfirmed, reviewer, reason, r.now().UTC()); err != nil {
		return nil, eris.Wrap(err, "resolve: confirm link")
	}
	r.log.Info("resolve: link confirmed", zap.String("link_id", linkID), zap.String("reviewer", reviewer))
	return r.store.GetLink(ctx, linkID)
}

// Reject marks a pending link rejected and re-links the source reference
// to a fresh entity. The rejected row stays for history.
func (r *Resolver) Reject(ctx context.Context, linkID, reviewer, reason string) (Result, error) {
	link, err := r.pending(ctx, linkID)
	if err != nil {
		return Result{}, err
	}
	rejected, err := r.store.GetEntity(ctx, link.EntityID)
	if err != nil {
		return Result{}, eris.Wrap(err, "resolve: load rejected entity")
	}
	if err := r.store.ReviewLink(ctx, linkID, model.ReviewRejected, reviewer, reason, r.now().UTC()); err != nil {
		return Result{}, eris.Wrap(err, "resolve: reject link")
	}

	name := link.SourceName
	if name == "" {
		name = rejected.PrimaryName
	}
	ref := Reference{Source: link.Source, SourceID: link.SourceID, Name: name, Country: rejected.Country}
	e, err := r.createEntity(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	m := &match{entity: e, confidence: 100, method: model.MatchExactID}
	fresh := r.newLink(ref, m)
	if err := r.store.CreateLink(ctx, fresh); err != nil {
		return Result{}, eris.Wrap(err, "resolve: relink rejected reference")
	}
	r.log.Info("resolve: link rejected",
		zap.String("link_id", linkID),
		zap.String("reviewer", reviewer),
		zap.String("new_entity_id", e.ID),
	)
	return Result{Entity: e, Link: fresh, Confidence: 100, Method: model.MatchExactID, Created: true}, nil
}

func (r *Resolver) pending(ctx context.Context, linkID string) (*model.EntityLink, error) {
	link, err := r.store.GetLink(ctx, linkID)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: get link")
	}
	switch link.Status {
	case model.ReviewRejected:
		return nil, eris.Wrapf(ErrLinkRejected, "link %s", linkID)
	case model.ReviewNeedsReview:
		return link, nil
	}
	return nil, eris.Wrapf(ErrNotPending, "link %s", linkID)
}
