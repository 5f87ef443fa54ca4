package bandit

import (
	"math"
	"testing"
)

func allowedAll() []int { return []int{0, 1, 2, 3, 4} }

func TestNewIdentityInitialSelectionIsDeterministic(t *testing.T) {
	bd := New()
	x := [Dim]float64{1, 0.5, 0.2, 0.3}
	got := bd.Select(x, allowedAll())
	if got != 0 {
		t.Fatalf("with identical initial state, expected first arm (0) to win ties, got %d", got)
	}
}

func TestUpdatePullsArmTowardHigherScore(t *testing.T) {
	bd := New()
	// Untouched arms score alpha*|x| = 0.75 here; arm 2 reaches about
	// 20/21 + 0.75/sqrt(21) ~= 1.12 after 20 rewards of 1.
	x := [Dim]float64{1, 0, 0, 0}

	for i := 0; i < 20; i++ {
		bd.Update(2, x, 1.0)
	}

	got := bd.Select(x, allowedAll())
	if got != 2 {
		t.Fatalf("expected repeated positive reward to make arm 2 win, got %d", got)
	}
}

func TestSelectRestrictsToAllowedSet(t *testing.T) {
	bd := New()
	for i := 0; i < 20; i++ {
		bd.Update(4, [Dim]float64{1, 1, 1, 1}, 1.0)
	}
	got := bd.Select([Dim]float64{1, 1, 1, 1}, []int{0, 1, 2, 3})
	if got == 4 {
		t.Fatalf("Select returned arm outside allowed set")
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{2, 1}, {-2, -1}, {0.3, 0.3}, {1, 1}, {-1, -1},
	}
	for _, c := range cases {
		if got := Clamp(c.in); got != c.want {
			t.Errorf("Clamp(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestInvertIdentityIsIdentity(t *testing.T) {
	var id [Dim][Dim]float64
	for i := 0; i < Dim; i++ {
		id[i][i] = 1
	}
	inv := invert(id)
	for r := 0; r < Dim; r++ {
		for c := 0; c < Dim; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if math.Abs(inv[r][c]-want) > 1e-9 {
				t.Fatalf("invert(I)[%d][%d] = %v, want %v", r, c, inv[r][c], want)
			}
		}
	}
}

func TestUpdateKeepsMatrixSymmetric(t *testing.T) {
	bd := New()
	xs := [][Dim]float64{
		{1, 0.1, 0.9, 0.4},
		{1, 0.5, 0.2, 0.8},
		{1, 0.9, 0.1, 0.1},
	}
	for _, x := range xs {
		bd.Update(0, x, 0.3)
	}
	a := bd.arms[0].a
	for r := 0; r < Dim; r++ {
		for c := 0; c < Dim; c++ {
			if math.Abs(a[r][c]-a[c][r]) > 1e-9 {
				t.Fatalf("A matrix not symmetric at [%d][%d]: %v vs [%d][%d]: %v", r, c, a[r][c], c, r, a[c][r])
			}
		}
	}
}
