package featurestore

import (
	"strings"

	"github.com/sells-group/decision-engine/internal/model"
)

var tierBySource = map[string]model.LabelTier{
	"companies_house": model.TierVerified,
	"sec_edgar":       model.TierVerified,
	"filing":          model.TierVerified,
	"registry":        model.TierVerified,
	"platform":        model.TierEstimated,
	"crowdfunding":    model.TierEstimated,
	"crowdcube":       model.TierEstimated,
	"seedrs":          model.TierEstimated,
	"wefunder":        model.TierEstimated,
	"republic":        model.TierEstimated,
	"press":           model.TierWeak,
	"self_reported":   model.TierWeak,
}

// AssignTier maps a record source onto its trust tier. Filings are
// verified, platform reports estimated, everything else weak.
func AssignTier(source string) model.LabelTier {
	s := strings.ToLower(strings.TrimSpace(source))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	if t, ok := tierBySource[s]; ok {
		return t
	}
	return model.TierWeak
}

// OutcomeFromStatus classifies a registry company status. It reports false
// for statuses that carry no outcome.
func OutcomeFromStatus(status string) (model.Outcome, bool) {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case s == "active", s == "trading":
		return model.OutcomeTrading, true
	case s == "dissolved", strings.Contains(s, "liquidation"), strings.Contains(s, "administration"),
		s == "insolvency-proceedings", s == "receivership":
		return model.OutcomeFailed, true
	case s == "acquired", s == "ipo", s == "exited":
		return model.OutcomeExited, true
	}
	return "", false
}
