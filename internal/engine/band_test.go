package engine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBand_Levels(t *testing.T) {
	b := DefaultBandConfig()

	full := b.Band(BandInput{Score: 60, Completeness: 1})
	assert.InDelta(t, 55, full.Low, 1e-9)
	assert.InDelta(t, 65, full.High, 1e-9)
	assert.InDelta(t, 10, full.Width, 1e-9)
	assert.Equal(t, "high", full.Level)

	// 5 * (1 + 0.5*2) = 10
	half := b.Band(BandInput{Score: 60, Completeness: 0.5})
	assert.InDelta(t, 20, half.Width, 1e-9)
	assert.Equal(t, "medium", half.Level)

	// 5 * 3 * 1.5 * 1.25 = 28.125
	worst := b.Band(BandInput{Score: 60, Completeness: 0, Downgrade: 1, Distress: 1})
	assert.Equal(t, "low", worst.Level)
	assert.InDelta(t, 28.125, b.HalfWidth(BandInput{Completeness: 0, Downgrade: 1, Distress: 1}), 1e-9)
}

func TestBand_StepsDownAtFullCompleteness(t *testing.T) {
	b := DefaultBandConfig()

	assert.Equal(t, "high", b.Band(BandInput{Score: 60, Completeness: 1}).Level)
	assert.Equal(t, "medium", b.Band(BandInput{Score: 60, Completeness: 1, Downgrade: 1}).Level, "pooled model drops one level")
	assert.Equal(t, "medium", b.Band(BandInput{Score: 60, Completeness: 1, Distress: 1}).Level)
	assert.Equal(t, "low", b.Band(BandInput{Score: 60, Completeness: 1, Downgrade: 1, Distress: 1}).Level)
	assert.Equal(t, "low", b.Band(BandInput{Score: 60, Completeness: 1, Distress: 4}).Level)
	assert.Equal(t, "low", b.Band(BandInput{Score: 60, Completeness: 0.5, Downgrade: 1}).Level)

	pooled := b.Band(BandInput{Score: 60, Completeness: 1, Downgrade: 1})
	assert.InDelta(t, 15, pooled.Width, 1e-9, "the interval still widens")
}

func TestBand_LevelNeverRises(t *testing.T) {
	b := DefaultBandConfig()
	rank := map[string]int{"high": 0, "medium": 1, "low": 2}
	rng := rand.New(rand.NewPCG(7, 3))
	for i := 0; i < 500; i++ {
		in := BandInput{Score: 50, Completeness: rng.Float64(), Downgrade: rng.IntN(2), Distress: rng.IntN(3)}
		more := in
		more.Distress++
		assert.GreaterOrEqual(t, rank[b.Band(more).Level], rank[b.Band(in).Level])
		less := in
		less.Completeness = in.Completeness * rng.Float64()
		assert.GreaterOrEqual(t, rank[b.Band(less).Level], rank[b.Band(in).Level])
	}
}

func TestBand_Clipped(t *testing.T) {
	b := DefaultBandConfig()
	lo := b.Band(BandInput{Score: 2, Completeness: 1})
	assert.Equal(t, 0.0, lo.Low)
	assert.InDelta(t, 7, lo.High, 1e-9)
	assert.InDelta(t, 7, lo.Width, 1e-9)

	hi := b.Band(BandInput{Score: 99, Completeness: 1})
	assert.Equal(t, 100.0, hi.High)
}

func TestBand_WidensAsCompletenessFalls(t *testing.T) {
	b := DefaultBandConfig()
	rng := rand.New(rand.NewPCG(42, 1))
	for i := 0; i < 1000; i++ {
		in := BandInput{
			Score:        50,
			Completeness: rng.Float64(),
			Downgrade:    rng.IntN(3),
			Distress:     rng.IntN(3),
		}
		less := in
		less.Completeness = in.Completeness * rng.Float64()

		assert.GreaterOrEqual(t, b.HalfWidth(less), b.HalfWidth(in), "completeness %.3f -> %.3f", in.Completeness, less.Completeness)

		more := in
		more.Downgrade++
		assert.GreaterOrEqual(t, b.HalfWidth(more), b.HalfWidth(in))
		more = in
		more.Distress++
		assert.GreaterOrEqual(t, b.HalfWidth(more), b.HalfWidth(in))
	}
}
