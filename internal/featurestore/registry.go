package featurestore

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/decision-engine/internal/model"
)

// Definition registers one feature the store accepts.
type Definition struct {
	Family      model.Family      `yaml:"family" json:"family"`
	Name        string            `yaml:"name" json:"name"`
	Kind        model.FeatureKind `yaml:"kind" json:"kind"`
	Derived     bool              `yaml:"derived,omitempty" json:"derived,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// Key returns the (family, name) identity of the definition.
func (d Definition) Key() model.FeatureKey {
	return model.FeatureKey{Family: d.Family, Name: d.Name}
}

// Registry is the catalogue of known features.
type Registry struct {
	defs map[model.FeatureKey]Definition
}

// Feature names referenced by derivations, gates and training.
const (
	CampaignStage          = "stage"
	CampaignTarget         = "target_amount"
	CampaignRaised         = "raised_amount"
	CampaignOverfunding    = "overfunding_ratio"
	CampaignInstitutional  = "institutional_coinvestor"
	CompanyAgeMonths       = "company_age_months"
	CompanyAccountsOverdue = "accounts_overdue_days"
	CompanyCharges         = "charges_count"
	CompanyStatus          = "status"
	TeamDisqualified       = "disqualified_director"
	FinancialRevenue       = "revenue"
	FinancialPreRevenue    = "pre_revenue"
	FinancialAssets        = "total_assets"
	FinancialDebt          = "total_debt"
	FinancialDebtToAsset   = "debt_to_asset_ratio"
	TermsEISEligible       = "eis_eligible"
	RegulatoryInsolvency   = "active_insolvency"
	RegulatorySanctions    = "sanctions_match"
	RegulatoryRelatedParty = "related_party_flag"
	LabelSurvival          = "survival_outcome"
	LabelProgress          = "progress_milestone"
	LabelMOIC              = "realized_moic"
)

func defaultDefinitions() []Definition {
	num, boolean, cat := model.KindNumeric, model.KindBoolean, model.KindCategorical
	return []Definition{
		{Family: model.FamilyCampaign, Name: CampaignStage, Kind: cat},
		{Family: model.FamilyCampaign, Name: "platform", Kind: cat},
		{Family: model.FamilyCampaign, Name: CampaignTarget, Kind: num},
		{Family: model.FamilyCampaign, Name: CampaignRaised, Kind: num},
		{Family: model.FamilyCampaign, Name: "investor_count", Kind: num},
		{Family: model.FamilyCampaign, Name: CampaignOverfunding, Kind: num, Derived: true},
		{Family: model.FamilyCampaign, Name: CampaignInstitutional, Kind: boolean},

		{Family: model.FamilyCompany, Name: CompanyAgeMonths, Kind: num, Derived: true},
		{Family: model.FamilyCompany, Name: "employee_count", Kind: num},
		{Family: model.FamilyCompany, Name: CompanyAccountsOverdue, Kind: num},
		{Family: model.FamilyCompany, Name: CompanyCharges, Kind: num},
		{Family: model.FamilyCompany, Name: CompanyStatus, Kind: cat},

		{Family: model.FamilyTeam, Name: "founder_count", Kind: num},
		{Family: model.FamilyTeam, Name: "has_technical_founder", Kind: boolean},
		{Family: model.FamilyTeam, Name: "prior_exit", Kind: boolean},
		{Family: model.FamilyTeam, Name: TeamDisqualified, Kind: boolean},

		{Family: model.FamilyFinancial, Name: FinancialRevenue, Kind: num},
		{Family: model.FamilyFinancial, Name: FinancialPreRevenue, Kind: boolean, Derived: true},
		{Family: model.FamilyFinancial, Name: FinancialAssets, Kind: num},
		{Family: model.FamilyFinancial, Name: FinancialDebt, Kind: num},
		{Family: model.FamilyFinancial, Name: FinancialDebtToAsset, Kind: num, Derived: true},
		{Family: model.FamilyFinancial, Name: "gross_margin", Kind: num},

		{Family: model.FamilyTerms, Name: "pre_money_valuation", Kind: num},
		{Family: model.FamilyTerms, Name: "instrument", Kind: cat},
		{Family: model.FamilyTerms, Name: "revenue_multiple", Kind: num},
		{Family: model.FamilyTerms, Name: TermsEISEligible, Kind: boolean},

		{Family: model.FamilyRegulatory, Name: RegulatoryInsolvency, Kind: boolean},
		{Family: model.FamilyRegulatory, Name: RegulatorySanctions, Kind: boolean},
		{Family: model.FamilyRegulatory, Name: RegulatoryRelatedParty, Kind: boolean},

		{Family: model.FamilyMarketRegime, Name: "funding_index", Kind: num},
		{Family: model.FamilyMarketRegime, Name: "sector_median_multiple", Kind: num},

		{Family: model.FamilyEvidence, Name: "press_mentions", Kind: num},
		{Family: model.FamilyEvidence, Name: "audited_accounts", Kind: boolean},

		{Family: model.FamilyLabel, Name: LabelSurvival, Kind: cat},
		{Family: model.FamilyLabel, Name: LabelProgress, Kind: boolean},
		{Family: model.FamilyLabel, Name: LabelMOIC, Kind: num},
	}
}

// DefaultRegistry returns the built-in feature catalogue.
func DefaultRegistry() *Registry {
	r := &Registry{defs: make(map[model.FeatureKey]Definition)}
	for _, d := range defaultDefinitions() {
		r.defs[d.Key()] = d
	}
	return r
}

type registryFile struct {
	Features []Definition `yaml:"features"`
}

// LoadRegistry reads definitions from a YAML file on top of the defaults.
// A definition in the file replaces the default of the same key.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "featurestore: read registry %s", path)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "featurestore: parse registry %s", path)
	}
	for _, d := range f.Features {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) error {
	if d.Family == "" || d.Name == "" {
		return eris.New("featurestore: definition needs family and name")
	}
	if !d.Kind.Valid() {
		return eris.Wrapf(ErrKindMismatch, "featurestore: definition %s has kind %q", d.Key(), d.Kind)
	}
	r.defs[d.Key()] = d
	return nil
}

// Lookup returns the definition of a feature.
func (r *Registry) Lookup(family model.Family, name string) (Definition, bool) {
	d, ok := r.defs[model.FeatureKey{Family: family, Name: name}]
	return d, ok
}

// Family returns the definitions of one family sorted by name.
func (r *Registry) Family(f model.Family) []Definition {
	var out []Definition
	for _, d := range r.defs {
		if d.Family == f {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputFamilies lists the families that feed models, sorted. The label
// family is never an input.
func (r *Registry) InputFamilies() []model.Family {
	seen := make(map[model.Family]bool)
	var out []model.Family
	for _, d := range r.defs {
		if d.Family == model.FamilyLabel || seen[d.Family] {
			continue
		}
		seen[d.Family] = true
		out = append(out, d.Family)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Inputs returns every input definition sorted by family then name.
func (r *Registry) Inputs() []Definition {
	var out []Definition
	for _, f := range r.InputFamilies() {
		out = append(out, r.Family(f)...)
	}
	return out
}
