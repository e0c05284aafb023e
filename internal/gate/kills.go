package gate

import (
	"fmt"
	"strings"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
)

// Kill criterion names.
const (
	KillCompliance = "compliance"
	KillDistress   = "distress"
	KillGovernance = "governance"
)

// Facts are the red-flag inputs of the kill criteria.
type Facts struct {
	DisqualifiedDirector bool    `json:"disqualified_director,omitempty"`
	ActiveInsolvency     bool    `json:"active_insolvency,omitempty"`
	SanctionsMatch       bool    `json:"sanctions_match,omitempty"`
	AccountsOverdueDays  float64 `json:"accounts_overdue_days,omitempty"`
	Charges              float64 `json:"charges,omitempty"`
	RelatedParty         bool    `json:"related_party,omitempty"`
}

// Merge combines two fact sets; any flag raised in either stays raised.
func (f Facts) Merge(o Facts) Facts {
	f.DisqualifiedDirector = f.DisqualifiedDirector || o.DisqualifiedDirector
	f.ActiveInsolvency = f.ActiveInsolvency || o.ActiveInsolvency
	f.SanctionsMatch = f.SanctionsMatch || o.SanctionsMatch
	f.RelatedParty = f.RelatedParty || o.RelatedParty
	if o.AccountsOverdueDays > f.AccountsOverdueDays {
		f.AccountsOverdueDays = o.AccountsOverdueDays
	}
	if o.Charges > f.Charges {
		f.Charges = o.Charges
	}
	return f
}

// FactsFromSnapshot reads the red-flag features of a snapshot.
func FactsFromSnapshot(s *featurestore.Snapshot) Facts {
	var f Facts
	f.DisqualifiedDirector, _ = s.Bool(model.FamilyTeam, featurestore.TeamDisqualified)
	f.ActiveInsolvency, _ = s.Bool(model.FamilyRegulatory, featurestore.RegulatoryInsolvency)
	f.SanctionsMatch, _ = s.Bool(model.FamilyRegulatory, featurestore.RegulatorySanctions)
	f.RelatedParty, _ = s.Bool(model.FamilyRegulatory, featurestore.RegulatoryRelatedParty)
	f.AccountsOverdueDays, _ = s.Number(model.FamilyCompany, featurestore.CompanyAccountsOverdue)
	f.Charges, _ = s.Number(model.FamilyCompany, featurestore.CompanyCharges)
	return f
}

// Kills evaluates the three kill criteria. Results are returned for every
// criterion, fired or not.
func (e *Engine) Kills(f Facts) []model.KillResult {
	cfg := e.cfg.Kills
	out := make([]model.KillResult, 0, 3)

	var flags []string
	if f.DisqualifiedDirector {
		flags = append(flags, "disqualified director")
	}
	if f.ActiveInsolvency {
		flags = append(flags, "active insolvency proceeding")
	}
	if f.SanctionsMatch {
		flags = append(flags, "sanctions match")
	}
	compliance := model.KillResult{Name: KillCompliance, Effect: model.EffectForcePass}
	if len(flags) > 0 {
		compliance.Fired = true
		compliance.Reason = strings.Join(flags, ", ")
	}
	out = append(out, compliance)

	distress := model.KillResult{Name: KillDistress, Effect: model.EffectDowngrade}
	if f.AccountsOverdueDays > cfg.OverdueDays {
		distress.Fired = true
		distress.Reason = fmt.Sprintf("accounts overdue %.0f days", f.AccountsOverdueDays)
	}
	out = append(out, distress)

	governance := model.KillResult{Name: KillGovernance, Effect: model.EffectPenalty}
	var gov []string
	if cfg.MaxCharges > 0 && f.Charges >= cfg.MaxCharges {
		gov = append(gov, fmt.Sprintf("%.0f registered charges", f.Charges))
	}
	if f.RelatedParty {
		gov = append(gov, "related-party transactions")
	}
	if len(gov) > 0 {
		governance.Fired = true
		governance.Adjustment = -cfg.GovernancePenalty
		governance.Reason = strings.Join(gov, ", ")
	}
	out = append(out, governance)
	return out
}

// Fired returns the fired kill criteria.
func Fired(kills []model.KillResult) []model.KillResult {
	var out []model.KillResult
	for _, k := range kills {
		if k.Fired {
			out = append(out, k)
		}
	}
	return out
}

// Downgrades returns how many confidence levels the fired criteria remove:
// one per fired distress or governance criterion.
func Downgrades(kills []model.KillResult) int {
	n := 0
	for _, k := range Fired(kills) {
		if k.Effect == model.EffectDowngrade || k.Effect == model.EffectPenalty {
			n++
		}
	}
	return n
}
