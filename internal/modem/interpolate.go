package modem

import "math"

// Interpolate evaluates x at fractional index t with a four-point cubic
// Lagrange interpolator. Samples outside x are treated as zero, and
// integer t returns x[t] exactly.
func Interpolate(x []complex128, t float64) complex128 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0
	}
	i := int(math.Floor(t))
	mu := t - float64(i)

	c0 := -mu * (mu - 1) * (mu - 2) / 6
	c1 := (mu + 1) * (mu - 1) * (mu - 2) / 2
	c2 := -(mu + 1) * mu * (mu - 2) / 2
	c3 := (mu + 1) * mu * (mu - 1) / 6

	return sampleAt(x, i-1)*complex(c0, 0) +
		sampleAt(x, i)*complex(c1, 0) +
		sampleAt(x, i+1)*complex(c2, 0) +
		sampleAt(x, i+2)*complex(c3, 0)
}

func sampleAt(x []complex128, i int) complex128 {
	if i < 0 || i >= len(x) {
		return 0
	}
	return x[i]
}

// Resample evaluates x at start, start+step, ... for n points.
func Resample(x []complex128, start, step float64, n int) []complex128 {
	out := make([]complex128, n)
	for k := range out {
		out[k] = Interpolate(x, start+float64(k)*step)
	}
	return out
}
