package featurestore

import (
	"context"
	"time"

	"github.com/sells-group/decision-engine/internal/model"
)

// DerivedSource is the source recorded on computed features.
const DerivedSource = "derived"

// Derivations computes derived features from a snapshot. Each record is
// stamped with the snapshot as_of and carries the weakest tier of its inputs.
// A derivation whose inputs are missing or degenerate is skipped.
func Derivations(snap *Snapshot, founded *time.Time) []model.FeatureRecord {
	var out []model.FeatureRecord
	add := func(family model.Family, name string, v model.FeatureValue, inputs ...model.FeatureKey) {
		out = append(out, model.FeatureRecord{
			EntityID: snap.EntityID,
			AsOf:     snap.AsOf,
			Family:   family,
			Name:     name,
			Value:    v,
			Source:   DerivedSource,
			Tier:     snap.WorstTier(inputs...),
		})
	}

	target, okT := snap.Number(model.FamilyCampaign, CampaignTarget)
	raised, okR := snap.Number(model.FamilyCampaign, CampaignRaised)
	if okT && okR && target > 0 {
		add(model.FamilyCampaign, CampaignOverfunding, model.Numeric(raised/target),
			model.FeatureKey{Family: model.FamilyCampaign, Name: CampaignTarget},
			model.FeatureKey{Family: model.FamilyCampaign, Name: CampaignRaised})
	}

	if founded != nil && !founded.After(snap.AsOf) {
		days := snap.AsOf.Sub(*founded).Hours() / 24
		out = append(out, model.FeatureRecord{
			EntityID: snap.EntityID,
			AsOf:     snap.AsOf,
			Family:   model.FamilyCompany,
			Name:     CompanyAgeMonths,
			Value:    model.Numeric(float64(int(days / 30))),
			Source:   DerivedSource,
			Tier:     model.TierVerified,
		})
	}

	revKey := model.FeatureKey{Family: model.FamilyFinancial, Name: FinancialRevenue}
	if rev, ok := snap.Number(model.FamilyFinancial, FinancialRevenue); ok {
		add(model.FamilyFinancial, FinancialPreRevenue, model.Boolean(rev <= 0), revKey)
	}

	assets, okA := snap.Number(model.FamilyFinancial, FinancialAssets)
	debt, okD := snap.Number(model.FamilyFinancial, FinancialDebt)
	if okA && okD && assets > 0 {
		add(model.FamilyFinancial, FinancialDebtToAsset, model.Numeric(debt/assets),
			model.FeatureKey{Family: model.FamilyFinancial, Name: FinancialAssets},
			model.FeatureKey{Family: model.FamilyFinancial, Name: FinancialDebt})
	}
	return out
}

// Derive computes derived features for an entity at asOf and appends the
// ones not already recorded at that instant. It returns the records written.
func (s *Store) Derive(ctx context.Context, entity *model.CanonicalEntity, asOf time.Time) ([]model.FeatureRecord, error) {
	snap, err := s.Read(ctx, entity.ID, asOf)
	if err != nil {
		return nil, err
	}

	var fresh []model.FeatureRecord
	for _, r := range Derivations(snap, entity.FoundingDate) {
		if prev, ok := snap.Get(r.Family, r.Name); ok && prev.AsOf.Equal(r.AsOf) {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	return s.WriteBatch(ctx, fresh)
}
