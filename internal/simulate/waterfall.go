package simulate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Holder is one claimant on exit proceeds. A holder with a zero preference
// is common stock.
type Holder struct {
	Name          string
	Seniority     int
	Preference    decimal.Decimal
	Ownership     decimal.Decimal
	Participation Participation
	// CapAmount bounds the total take of a capped participating holder.
	CapAmount decimal.Decimal

	converted bool
}

func (h Holder) preferred() bool { return h.Preference.IsPositive() && !h.converted }

// mayConvert reports whether the holder chooses between its preference and
// its as-converted share.
func (h Holder) mayConvert() bool {
	return h.preferred() && h.Participation != Participating
}

// Waterfall distributes exit proceeds across the holders and returns each
// holder's payout in input order. Preferences are paid by seniority, pari
// passu within a rank. Non-participating and capped holders convert to
// common whenever that pays strictly more, checked until no holder changes.
func Waterfall(proceeds decimal.Decimal, holders []Holder) []decimal.Decimal {
	hs := make([]Holder, len(holders))
	copy(hs, holders)

	paid := distribute(proceeds, hs)
	for range hs {
		changed := false
		for i := range hs {
			if !hs[i].mayConvert() {
				continue
			}
			trial := make([]Holder, len(hs))
			copy(trial, hs)
			trial[i].converted = true
			if distribute(proceeds, trial)[i].GreaterThan(paid[i]) {
				hs[i].converted = true
				changed = true
			}
		}
		if !changed {
			break
		}
		paid = distribute(proceeds, hs)
	}
	return paid
}

func distribute(proceeds decimal.Decimal, hs []Holder) []decimal.Decimal {
	paid := make([]decimal.Decimal, len(hs))
	for i := range paid {
		paid[i] = decimal.Zero
	}
	remaining := decimal.Max(proceeds, decimal.Zero)

	ranks := make(map[int][]int)
	for i, h := range hs {
		if h.preferred() {
			ranks[h.Seniority] = append(ranks[h.Seniority], i)
		}
	}
	order := make([]int, 0, len(ranks))
	for r := range ranks {
		order = append(order, r)
	}
	sort.Ints(order)

	for _, r := range order {
		if !remaining.IsPositive() {
			break
		}
		total := decimal.Zero
		for _, i := range ranks[r] {
			total = total.Add(hs[i].Preference)
		}
		if remaining.GreaterThanOrEqual(total) {
			for _, i := range ranks[r] {
				paid[i] = hs[i].Preference
			}
			remaining = remaining.Sub(total)
			continue
		}
		for _, i := range ranks[r] {
			paid[i] = remaining.Mul(hs[i].Preference).Div(total)
		}
		remaining = decimal.Zero
	}

	// Residual goes pro rata to common, converted and participating holders;
	// a capped holder that reaches its cap drops out and the rest is shared again.
	pool := make(map[int]bool)
	for i, h := range hs {
		if !h.preferred() || h.Participation == Participating || h.Participation == CappedParticipating {
			if h.Ownership.IsPositive() {
				pool[i] = true
			}
		}
	}
	for remaining.IsPositive() && len(pool) > 0 {
		owned := decimal.Zero
		for i := range pool {
			owned = owned.Add(hs[i].Ownership)
		}
		rem := remaining
		clamped := false
		for i := range pool {
			h := hs[i]
			if !h.preferred() || h.Participation != CappedParticipating {
				continue
			}
			share := rem.Mul(h.Ownership).Div(owned)
			room := h.CapAmount.Sub(paid[i])
			if share.GreaterThan(room) {
				paid[i] = paid[i].Add(decimal.Max(room, decimal.Zero))
				remaining = remaining.Sub(decimal.Max(room, decimal.Zero))
				delete(pool, i)
				clamped = true
			}
		}
		if clamped {
			continue
		}
		for i := range pool {
			paid[i] = paid[i].Add(remaining.Mul(hs[i].Ownership).Div(owned))
		}
		remaining = decimal.Zero
	}
	return paid
}

// holders builds the cap table at exit: existing preference layers, the
// investor, future round investors as common, and founders' common.
func (t EntryTerms) holders() ([]Holder, int) {
	keep := t.Dilution.retained()
	var hs []Holder
	used := decimal.Zero

	for _, l := range t.Preferences {
		own := decimal.NewFromFloat(l.Ownership).Mul(keep)
		hs = append(hs, layerHolder(l, own))
		used = used.Add(own)
	}

	stake := t.Ownership().Mul(keep)
	investor := Holder{Name: "investor", Ownership: stake}
	if t.InvestorLayer != nil {
		l := *t.InvestorLayer
		if !l.Invested.IsPositive() {
			l.Invested = t.Cheque
		}
		investor = layerHolder(l, stake)
		investor.Name = "investor"
	}
	hs = append(hs, investor)
	idx := len(hs) - 1
	used = used.Add(stake)

	if future := decimal.NewFromInt(1).Sub(keep); future.IsPositive() {
		hs = append(hs, Holder{Name: "future_rounds", Ownership: future})
		used = used.Add(future)
	}
	if common := decimal.NewFromInt(1).Sub(used); common.IsPositive() {
		hs = append(hs, Holder{Name: "common", Ownership: common})
	}
	return hs, idx
}

func layerHolder(l PreferenceLayer, own decimal.Decimal) Holder {
	h := Holder{
		Name:          l.Name,
		Seniority:     l.Seniority,
		Preference:    l.preference(),
		Ownership:     own,
		Participation: l.Participation,
	}
	if h.Participation == "" {
		h.Participation = NonParticipating
	}
	if h.Participation == CappedParticipating {
		h.CapAmount = l.Invested.Mul(decimal.NewFromFloat(l.Cap))
	}
	return h
}
