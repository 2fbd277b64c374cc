package channel

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArrEssJay/chimera-sub003/internal/modem"
	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

func txStream(t *testing.T) *modem.Stream {
	t.Helper()
	mod, err := modem.NewModulator(modem.DefaultParams())
	require.NoError(t, err)
	bits := protocol.DefaultSyncSequence()
	for i := 0; i < 64; i++ {
		bits = append(bits, byte(i*7%3%2))
	}
	tx, err := mod.Modulate(bits)
	require.NoError(t, err)
	return tx
}

func seed(v int64) *int64 { return &v }

func TestApply_Reproducible(t *testing.T) {
	tx := txStream(t)
	imp := Impairments{SNRdB: 5, FreqOffsetHz: 40, PhaseOffsetRad: 0.3, DelaySamples: 7.4, JitterSamples: 0.1}

	a := Apply(tx, imp, seed(42))
	b := Apply(tx, imp, seed(42))
	require.Equal(t, a.Samples, b.Samples)

	c := Apply(tx, imp, seed(43))
	assert.NotEqual(t, a.Samples, c.Samples)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	tx := txStream(t)
	orig := tx.Clone()
	Apply(tx, Impairments{SNRdB: 0, LinkLossDB: 6, FreqOffsetHz: 100}, seed(1))
	assert.Equal(t, orig.Samples, tx.Samples)
}

func TestApply_NoNoiseAtInfiniteSNR(t *testing.T) {
	tx := txStream(t)
	rx := Apply(tx, Impairments{SNRdB: math.Inf(1)}, nil)
	require.Equal(t, tx.Len(), rx.Len())
	for i := range tx.Samples {
		assert.InDelta(t, 0, cmplx.Abs(rx.Samples[i]-tx.Samples[i]), 1e-12)
	}
	assert.Equal(t, tx.FilterDelay, rx.FilterDelay)
	assert.Equal(t, tx.SamplesPerSymbol, rx.SamplesPerSymbol)
}

func TestApply_LinkLoss(t *testing.T) {
	tx := txStream(t)
	rx := Apply(tx, Impairments{SNRdB: math.Inf(1), LinkLossDB: 20}, nil)
	for i := range tx.Samples {
		assert.InDelta(t, 0, cmplx.Abs(rx.Samples[i]-tx.Samples[i]*0.1), 1e-12)
	}
	assert.InDelta(t, 0.01, rx.MeanPower()/tx.MeanPower(), 1e-9)
	assert.Equal(t, -5.0, Impairments{SNRdB: 15, LinkLossDB: 20}.EffectiveSNRdB())
}

func TestApply_NoiseLevel(t *testing.T) {
	tx := txStream(t)
	// A long silent tail isolates the noise.
	imp := Impairments{SNRdB: 10, TrailingSamples: 20000}
	rx := Apply(tx, imp, seed(7))

	tail := rx.Samples[tx.Len():]
	var p float64
	for _, v := range tail {
		p += real(v)*real(v) + imag(v)*imag(v)
	}
	p /= float64(len(tail))

	want := tx.SymbolEnergy() / 10
	assert.InDelta(t, want, p, 0.05*want)
	assert.InDelta(t, want, imp.NoiseVariance(tx.SymbolEnergy()), 1e-12)
}

func TestApply_NoiseIgnoresLinkLoss(t *testing.T) {
	tx := txStream(t)
	a := Apply(tx, Impairments{SNRdB: 3, TrailingSamples: 5000}, seed(9))
	b := Apply(tx, Impairments{SNRdB: 3, LinkLossDB: 10, TrailingSamples: 5000}, seed(9))
	// Same seed, same noise draws: the silent tails are identical.
	n := tx.Len()
	assert.Equal(t, a.Samples[n:], b.Samples[n:])
}

func TestApply_IntegerDelay(t *testing.T) {
	tx := txStream(t)
	rx := Apply(tx, Impairments{SNRdB: math.Inf(1), DelaySamples: 13}, nil)
	require.Equal(t, tx.Len()+13, rx.Len())
	for i := 0; i < 13; i++ {
		assert.Zero(t, rx.Samples[i])
	}
	for i, v := range tx.Samples {
		assert.InDelta(t, 0, cmplx.Abs(rx.Samples[i+13]-v), 1e-12)
	}
}

func TestApply_FractionalDelayPreservesPower(t *testing.T) {
	tx := txStream(t)
	rx := Apply(tx, Impairments{SNRdB: math.Inf(1), DelaySamples: 2.5}, nil)
	assert.Equal(t, tx.Len()+3, rx.Len())
	assert.InDelta(t, tx.MeanPower()*float64(tx.Len()), rx.MeanPower()*float64(rx.Len()), 0.05*tx.MeanPower()*float64(tx.Len()))
}

func TestApply_ClockOffsetChangesLength(t *testing.T) {
	tx := txStream(t)
	fast := Apply(tx, Impairments{SNRdB: math.Inf(1), ClockOffsetPPM: 1000}, nil)
	slow := Apply(tx, Impairments{SNRdB: math.Inf(1), ClockOffsetPPM: -1000}, nil)
	assert.Less(t, fast.Len(), tx.Len()+1)
	assert.Greater(t, slow.Len(), tx.Len())
}

func TestApply_FrequencyOffset(t *testing.T) {
	tx := txStream(t)
	const f = 250.0
	rx := Apply(tx, Impairments{SNRdB: math.Inf(1), FreqOffsetHz: f, PhaseOffsetRad: 0.5}, nil)
	step := 2 * math.Pi * f / tx.SampleRate
	for i, v := range tx.Samples {
		want := v * cmplx.Rect(1, step*float64(i)+0.5)
		assert.InDelta(t, 0, cmplx.Abs(rx.Samples[i]-want), 1e-9)
	}
}

func TestImpairments_Amplitude(t *testing.T) {
	assert.Equal(t, 1.0, Impairments{}.Amplitude())
	assert.InDelta(t, 0.5, Impairments{LinkLossDB: 20 * math.Log10(2)}.Amplitude(), 1e-12)
	assert.Zero(t, Impairments{SNRdB: math.Inf(1)}.NoiseVariance(1))
}
