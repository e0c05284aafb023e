package model

import "time"

// MatchMethod describes how a source reference was linked to an entity.
type MatchMethod string

const (
	MatchExactID       MatchMethod = "exact_id"
	MatchDeterministic MatchMethod = "deterministic"
	MatchProbabilistic MatchMethod = "probabilistic"
)

// ReviewStatus is the human review state of an entity link.
type ReviewStatus string

const (
	ReviewAutoConfirmed ReviewStatus = "auto_confirmed"
	ReviewNeedsReview   ReviewStatus = "needs_review"
	ReviewRejected      ReviewStatus = "rejected"
)

// CanonicalEntity is the stable identity of one real company. Entities are
// never deleted; names and sectors improve as better links arrive.
type CanonicalEntity struct {
	ID             string     `json:"id"`
	PrimaryName    string     `json:"primary_name"`
	NormalizedName string     `json:"normalized_name"`
	Country        string     `json:"country,omitempty"`
	Sector         string     `json:"sector,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	RegistryID     string     `json:"registry_id,omitempty"`
	FoundingDate   *time.Time `json:"founding_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FoundingYear returns the founding year or 0 when unknown.
func (e *CanonicalEntity) FoundingYear() int {
	if e.FoundingDate == nil {
		return 0
	}
	return e.FoundingDate.Year()
}

// EntityLink maps one (source, source_id) pair onto a canonical entity.
type EntityLink struct {
	ID           string       `json:"id"`
	EntityID     string       `json:"entity_id"`
	Source       string       `json:"source"`
	SourceID     string       `json:"source_id"`
	SourceName   string       `json:"source_name,omitempty"`
	Method       MatchMethod  `json:"method"`
	Confidence   float64      `json:"confidence"`
	Status       ReviewStatus `json:"status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	ReviewReason string       `json:"review_reason,omitempty"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Reviewed reports whether a human has confirmed the link.
func (l *EntityLink) Reviewed() bool {
	return l.ReviewedAt != nil && l.Status == ReviewAutoConfirmed
}

// EffectiveConfidence is the confidence used by gating. A human
// confirmation lifts the link to full confidence.
func (l *EntityLink) EffectiveConfidence() float64 {
	if l.Reviewed() {
		return 100
	}
	return l.Confidence
}

// Blocked reports whether scoring against this link must wait for review.
func (l *EntityLink) Blocked() bool {
	return l.Status != ReviewAutoConfirmed
}
