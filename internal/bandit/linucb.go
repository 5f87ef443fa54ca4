// Package bandit implements a LinUCB contextual bandit: one ridge
// regression per arm, selected by upper-confidence bound over a
// caller-supplied feature vector.
package bandit

import "math"

// Arms is the fixed number of arms the policy chooses between.
const Arms = 5

// Dim is the feature vector dimension.
const Dim = 4

// Alpha is the exploration coefficient in the UCB term.
const Alpha = 0.75

// pivotTolerance is the smallest pivot magnitude Gauss-Jordan will
// divide by; smaller pivots are treated as singular and skipped.
const pivotTolerance = 1e-12

type arm struct {
	a [Dim][Dim]float64 // ridge matrix, init identity
	b [Dim]float64
}

// Bandit holds per-arm ridge state. Zero value is not ready for use;
// construct with New.
type Bandit struct {
	arms [Arms]arm
}

// New returns a Bandit with every arm's A matrix initialized to the
// identity, as the ridge prior requires for invertibility.
func New() *Bandit {
	bd := &Bandit{}
	for i := range bd.arms {
		for d := 0; d < Dim; d++ {
			bd.arms[i].a[d][d] = 1
		}
	}
	return bd
}

// Select returns the allowed arm maximizing theta·x + alpha*sqrt(max(0,
// x^T A^-1 x)), breaking ties in favor of the first (lowest index) arm.
// allowed must be non-empty.
func (bd *Bandit) Select(x [Dim]float64, allowed []int) int {
	best := allowed[0]
	bestScore := math.Inf(-1)
	for _, i := range allowed {
		ainv := invert(bd.arms[i].a)
		theta := matVec(ainv, bd.arms[i].b)
		mean := dot(theta, x)
		axx := quadForm(ainv, x)
		if axx < 0 {
			axx = 0
		}
		score := mean + Alpha*math.Sqrt(axx)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// Update folds one observed (x, reward) pair into arm i's ridge state:
// A += x x^T, b += reward * x. reward must already be clamped by the
// caller.
func (bd *Bandit) Update(i int, x [Dim]float64, reward float64) {
	a := &bd.arms[i]
	for r := 0; r < Dim; r++ {
		for c := 0; c < Dim; c++ {
			a.a[r][c] += x[r] * x[c]
		}
		a.b[r] += reward * x[r]
	}
}

func dot(a, b [Dim]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func matVec(m [Dim][Dim]float64, v [Dim]float64) [Dim]float64 {
	var out [Dim]float64
	for r := 0; r < Dim; r++ {
		var s float64
		for c := 0; c < Dim; c++ {
			s += m[r][c] * v[c]
		}
		out[r] = s
	}
	return out
}

func quadForm(m [Dim][Dim]float64, x [Dim]float64) float64 {
	return dot(x, matVec(m, x))
}

// invert computes a matrix inverse via Gauss-Jordan elimination with
// partial pivoting, skipping rows whose pivot magnitude falls below
// pivotTolerance (treated as singular; that row's contribution is left
// as identity, matching the reference's "skip on near-zero pivot"
// behavior).
func invert(m [Dim][Dim]float64) [Dim][Dim]float64 {
	var aug [Dim][2 * Dim]float64
	for r := 0; r < Dim; r++ {
		for c := 0; c < Dim; c++ {
			aug[r][c] = m[r][c]
		}
		aug[r][Dim+r] = 1
	}

	for col := 0; col < Dim; col++ {
		pivotRow := col
		best := math.Abs(aug[col][col])
		for r := col + 1; r < Dim; r++ {
			if v := math.Abs(aug[r][col]); v > best {
				best = v
				pivotRow = r
			}
		}
		if best < pivotTolerance {
			continue
		}
		if pivotRow != col {
			aug[col], aug[pivotRow] = aug[pivotRow], aug[col]
		}

		pivot := aug[col][col]
		for c := 0; c < 2*Dim; c++ {
			aug[col][c] /= pivot
		}

		for r := 0; r < Dim; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for c := 0; c < 2*Dim; c++ {
				aug[r][c] -= factor * aug[col][c]
			}
		}
	}

	var inv [Dim][Dim]float64
	for r := 0; r < Dim; r++ {
		for c := 0; c < Dim; c++ {
			inv[r][c] = aug[r][Dim+c]
		}
	}
	return inv
}

// Clamp restricts reward to [-1, 1], as every caller of Update must.
func Clamp(reward float64) float64 {
	if reward < -1 {
		return -1
	}
	if reward > 1 {
		return 1
	}
	return reward
}
