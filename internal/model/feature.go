package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// FeatureKind is the closed set of value kinds a feature may hold.
type FeatureKind string

const (
	KindNumeric     FeatureKind = "numeric"
	KindBoolean     FeatureKind = "boolean"
	KindCategorical FeatureKind = "categorical"
)

// Valid reports whether k is one of the known kinds.
func (k FeatureKind) Valid() bool {
	switch k {
	case KindNumeric, KindBoolean, KindCategorical:
		return true
	}
	return false
}

// FeatureValue is a tagged union over numeric, boolean and categorical
// values. Only the field matching Kind is meaningful.
type FeatureValue struct {
	Kind FeatureKind
	Num  float64
	Bool bool
	Str  string
}

// Numeric returns a numeric feature value.
func Numeric(v float64) FeatureValue { return FeatureValue{Kind: KindNumeric, Num: v} }

// Boolean returns a boolean feature value.
func Boolean(v bool) FeatureValue { return FeatureValue{Kind: KindBoolean, Bool: v} }

// Categorical returns a categorical feature value.
func Categorical(v string) FeatureValue { return FeatureValue{Kind: KindCategorical, Str: v} }

// IsZero reports whether the value has no kind set.
func (v FeatureValue) IsZero() bool { return v.Kind == "" }

func (v FeatureValue) String() string {
	switch v.Kind {
	case KindNumeric:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindCategorical:
		return v.Str
	}
	return ""
}

type featureValueJSON struct {
	Kind  FeatureKind     `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v FeatureValue) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.Kind {
	case KindNumeric:
		raw = v.Num
	case KindBoolean:
		raw = v.Bool
	case KindCategorical:
		raw = v.Str
	default:
		return []byte("null"), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(featureValueJSON{Kind: v.Kind, Value: b})
}

// UnmarshalJSON decodes the {"kind": ..., "value": ...} form.
func (v *FeatureValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = FeatureValue{}
		return nil
	}
	var in featureValueJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := FeatureValue{Kind: in.Kind}
	var err error
	switch in.Kind {
	case KindNumeric:
		err = json.Unmarshal(in.Value, &out.Num)
	case KindBoolean:
		err = json.Unmarshal(in.Value, &out.Bool)
	case KindCategorical:
		err = json.Unmarshal(in.Value, &out.Str)
	default:
		return eris.Errorf("model: unknown feature kind %q", in.Kind)
	}
	if err != nil {
		return eris.Wrapf(err, "model: decode %s value", in.Kind)
	}
	*v = out
	return nil
}

// Family groups related features.
type Family string

const (
	FamilyCampaign     Family = "campaign"
	FamilyCompany      Family = "company"
	FamilyTeam         Family = "team"
	FamilyFinancial    Family = "financial"
	FamilyTerms        Family = "terms"
	FamilyRegulatory   Family = "regulatory"
	FamilyMarketRegime Family = "market_regime"
	FamilyEvidence     Family = "evidence"
	// FamilyLabel holds observed outcomes. It is never a model input.
	FamilyLabel Family = "label"
)

// LabelTier ranks how far a record can be trusted.
type LabelTier int

const (
	TierVerified  LabelTier = 1
	TierEstimated LabelTier = 2
	TierWeak      LabelTier = 3
)

// Valid reports whether t is 1, 2 or 3.
func (t LabelTier) Valid() bool { return t >= TierVerified && t <= TierWeak }

// Trainable reports whether records of this tier may feed model training.
func (t LabelTier) Trainable() bool { return t == TierVerified || t == TierEstimated }

// FeatureKey identifies a feature within an entity's history.
type FeatureKey struct {
	Family Family `json:"family"`
	Name   string `json:"name"`
}

func (k FeatureKey) String() string { return fmt.Sprintf("%s.%s", k.Family, k.Name) }

// FeatureRecord is one immutable fact about an entity, knowable from AsOf.
type FeatureRecord struct {
	ID         string       `json:"id"`
	EntityID   string       `json:"entity_id"`
	AsOf       time.Time    `json:"as_of"`
	Family     Family       `json:"family"`
	Name       string       `json:"name"`
	Value      FeatureValue `json:"value"`
	Source     string       `json:"source"`
	Tier       LabelTier    `json:"tier"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Key returns the (family, name) pair of the record.
func (r FeatureRecord) Key() FeatureKey { return FeatureKey{Family: r.Family, Name: r.Name} }
