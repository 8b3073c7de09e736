package training

import (
	"fmt"
	"math"
)

// ClipGradNorm rescales all gradients in place so their aggregate L2 norm
// does not exceed maxNorm. It returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) (float64, error) {
	// Squares are summed relative to the largest magnitude so that huge but
	// finite gradients do not overflow
	var scale float64
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return math.Abs(g), fmt.Errorf("%w: gradient norm is %v", ErrNonFiniteGradient, math.Abs(g))
			}
			if a := math.Abs(g); a > scale {
				scale = a
			}
		}
	}
	if scale == 0 {
		return 0, nil
	}

	var sumSq float64
	for _, p := range params {
		for _, g := range p.Grad {
			r := g / scale
			sumSq += r * r
		}
	}

	norm := scale * math.Sqrt(sumSq)
	if math.IsInf(norm, 0) {
		return norm, fmt.Errorf("%w: gradient norm is %v", ErrNonFiniteGradient, norm)
	}

	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return norm, nil
}
