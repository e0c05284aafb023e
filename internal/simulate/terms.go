package simulate

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Instrument is the security the cheque buys.
type Instrument string

const (
	InstrumentEquity          Instrument = "equity"
	InstrumentSAFE            Instrument = "safe"
	InstrumentConvertibleNote Instrument = "convertible_note"
	InstrumentASA             Instrument = "asa"
)

// Participation describes how a preference layer shares in residual proceeds.
type Participation string

const (
	NonParticipating    Participation = "non_participating"
	Participating       Participation = "participating"
	CappedParticipating Participation = "capped"
)

// PreferenceLayer is one class of preferred stock in the exit waterfall.
// Seniority 1 is paid first; layers with equal seniority rank pari passu.
// Ownership is the layer's as-converted fraction of the company.
type PreferenceLayer struct {
	Name          string          `json:"name" yaml:"name"`
	Seniority     int             `json:"seniority" yaml:"seniority"`
	Invested      decimal.Decimal `json:"invested" yaml:"invested"`
	Multiple      float64         `json:"multiple" yaml:"multiple"`
	Participation Participation   `json:"participation" yaml:"participation"`
	Cap           float64         `json:"cap,omitempty" yaml:"cap"`
	Ownership     float64         `json:"ownership" yaml:"ownership"`
}

func (l PreferenceLayer) preference() decimal.Decimal {
	m := l.Multiple
	if m <= 0 {
		m = 1
	}
	return l.Invested.Mul(decimal.NewFromFloat(m))
}

// ConversionTerms are the price protections of a convertible instrument.
type ConversionTerms struct {
	ValuationCap decimal.Decimal `json:"valuation_cap" yaml:"valuation_cap"`
	Discount     float64         `json:"discount" yaml:"discount"`
}

// Dilution models future priced rounds.
type Dilution struct {
	Rounds   int     `json:"rounds" yaml:"rounds"`
	PerRound float64 `json:"per_round" yaml:"per_round"`
}

// TaxRelief models up-front income tax relief and loss relief on failure.
type TaxRelief struct {
	Rate           float64 `json:"rate" yaml:"rate" mapstructure:"rate"`
	LossReliefRate float64 `json:"loss_relief_rate" yaml:"loss_relief_rate" mapstructure:"loss_relief_rate"`
}

// EntryTerms are the deal terms of one prospective investment. For
// convertible instruments PreMoney is the expected pre-money of the
// conversion round.
type EntryTerms struct {
	Cheque               decimal.Decimal   `json:"cheque"`
	PreMoney             decimal.Decimal   `json:"pre_money"`
	Instrument           Instrument        `json:"instrument"`
	ValuationCap         decimal.Decimal   `json:"valuation_cap,omitempty"`
	Discount             float64           `json:"discount,omitempty"`
	MFN                  bool              `json:"mfn,omitempty"`
	LaterTerms           []ConversionTerms `json:"later_terms,omitempty"`
	InterestRate         float64           `json:"interest_rate,omitempty"`
	TermYears            float64           `json:"term_years,omitempty"`
	RevenueMultiple      float64           `json:"revenue_multiple,omitempty"`
	SectorMedianMultiple float64           `json:"sector_median_multiple,omitempty"`
	Preferences          []PreferenceLayer `json:"preferences,omitempty"`
	InvestorLayer        *PreferenceLayer  `json:"investor_layer,omitempty"`
	Dilution             Dilution          `json:"dilution"`
	TaxRelief            TaxRelief         `json:"tax_relief"`
}

// ErrInvalidTerms is returned for terms the simulator cannot price.
var ErrInvalidTerms = eris.New("simulate: invalid entry terms")

// Validate checks the terms are priceable.
func (t EntryTerms) Validate() error {
	if !t.Cheque.IsPositive() {
		return eris.Wrap(ErrInvalidTerms, "simulate: cheque must be positive")
	}
	if !t.PreMoney.IsPositive() {
		return eris.Wrap(ErrInvalidTerms, "simulate: pre-money must be positive")
	}
	switch t.instrument() {
	case InstrumentEquity, InstrumentSAFE, InstrumentConvertibleNote, InstrumentASA:
	default:
		return eris.Wrapf(ErrInvalidTerms, "simulate: unknown instrument %q", t.Instrument)
	}
	if t.Discount < 0 || t.Discount >= 1 {
		return eris.Wrapf(ErrInvalidTerms, "simulate: discount %.2f out of range", t.Discount)
	}
	if t.Dilution.PerRound < 0 || t.Dilution.PerRound >= 1 || t.Dilution.Rounds < 0 {
		return eris.Wrap(ErrInvalidTerms, "simulate: dilution out of range")
	}

	var owned float64
	for _, l := range t.Preferences {
		if l.Ownership < 0 || l.Invested.IsNegative() {
			return eris.Wrapf(ErrInvalidTerms, "simulate: layer %s has negative terms", l.Name)
		}
		if l.Participation == CappedParticipating && l.Cap <= 0 {
			return eris.Wrapf(ErrInvalidTerms, "simulate: capped layer %s needs a cap", l.Name)
		}
		owned += l.Ownership
	}
	stake, _ := t.Ownership().Float64()
	if owned+stake > 1 {
		return eris.Wrapf(ErrInvalidTerms, "simulate: ownership %.3f exceeds the company", owned+stake)
	}
	return nil
}

func (t EntryTerms) instrument() Instrument {
	if t.Instrument == "" {
		return InstrumentEquity
	}
	return t.Instrument
}

// Ownership converts the instrument into the investor's fraction of the
// company at entry, before future dilution.
func (t EntryTerms) Ownership() decimal.Decimal {
	if t.instrument() == InstrumentEquity {
		return t.Cheque.Div(t.PreMoney.Add(t.Cheque))
	}

	amount := t.Cheque
	if t.instrument() == InstrumentConvertibleNote && t.InterestRate > 0 && t.TermYears > 0 {
		amount = amount.Mul(decimal.NewFromFloat(1 + t.InterestRate*t.TermYears))
	}

	valCap, discount := t.ValuationCap, t.Discount
	if t.MFN {
		for _, lt := range t.LaterTerms {
			if lt.ValuationCap.IsPositive() && (!valCap.IsPositive() || lt.ValuationCap.LessThan(valCap)) {
				valCap = lt.ValuationCap
			}
			if lt.Discount > discount {
				discount = lt.Discount
			}
		}
	}

	price := t.PreMoney
	if discount > 0 {
		price = decimal.Min(price, t.PreMoney.Mul(decimal.NewFromFloat(1-discount)))
	}
	if valCap.IsPositive() {
		price = decimal.Min(price, valCap)
	}
	return amount.Div(price.Add(amount))
}

// PostMoney is the entry valuation exit multiples apply to.
func (t EntryTerms) PostMoney() decimal.Decimal {
	return t.PreMoney.Add(t.Cheque)
}

// Stretch is the valuation stretch divisor: entry revenue multiple over the
// sector median, or 1 when either is unknown.
func (t EntryTerms) Stretch() float64 {
	if t.RevenueMultiple <= 0 || t.SectorMedianMultiple <= 0 {
		return 1
	}
	return t.RevenueMultiple / t.SectorMedianMultiple
}

// retained is the fraction of every existing holder left after dilution.
func (d Dilution) retained() decimal.Decimal {
	keep := decimal.NewFromInt(1)
	per := decimal.NewFromFloat(1 - d.PerRound)
	for i := 0; i < d.Rounds; i++ {
		keep = keep.Mul(per)
	}
	return keep
}
