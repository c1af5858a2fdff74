package registration

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/image/math/f64"
)

// MotionModel is the class of geometric transform estimated per frame.
type MotionModel int

const (
	Translation MotionModel = iota
	Euclidean
	Affine
	Homography
)

func (m MotionModel) String() string {
	switch m {
	case Translation:
		return "translation"
	case Euclidean:
		return "euclidean"
	case Affine:
		return "affine"
	case Homography:
		return "homography"
	default:
		return fmt.Sprintf("MotionModel(%d)", int(m))
	}
}

// Params is the number of free parameters the model estimates.
func (m MotionModel) Params() int {
	switch m {
	case Translation:
		return 2
	case Euclidean:
		return 3
	case Affine:
		return 6
	default:
		return 8
	}
}

// ParseMotionModel accepts the model names used in config and on the command line.
func ParseMotionModel(s string) (MotionModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "translation", "shift":
		return Translation, nil
	case "euclidean", "rigid":
		return Euclidean, nil
	case "", "affine":
		return Affine, nil
	case "homography", "projective", "perspective":
		return Homography, nil
	default:
		return Affine, fmt.Errorf("unknown motion model %q", s)
	}
}

// Transform maps reference (destination) coordinates to source frame
// coordinates. Non-projective models keep the last row at (0, 0, 1).
type Transform struct {
	Model MotionModel
	M     f64.Mat3
}

// Identity returns the zero-motion transform for the model.
func Identity(model MotionModel) Transform {
	return Transform{Model: model, M: f64.Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Inverse maps source coordinates back to the reference grid. ok is false
// when t is singular or not finite. Homographies are renormalised so the
// last coefficient is 1.
func (t Transform) Inverse() (Transform, bool) {
	m := t.M
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, false
		}
	}
	det := m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
	if math.Abs(det) <= 1e-9 {
		return Transform{}, false
	}
	inv := f64.Mat3{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	scale := 1 / det
	if t.Model == Homography && math.Abs(inv[8]) > 1e-12 {
		scale = 1 / inv[8]
	}
	for i := range inv {
		inv[i] *= scale
	}
	if t.Model != Homography {
		inv[6], inv[7], inv[8] = 0, 0, 1
	}
	return Transform{Model: t.Model, M: inv}, true
}

// Apply maps (x, y). ok is false when the projective denominator vanishes.
func (t Transform) Apply(x, y float64) (u, v float64, ok bool) {
	m := t.M
	u = m[0]*x + m[1]*y + m[2]
	v = m[3]*x + m[4]*y + m[5]
	if t.Model != Homography {
		return u, v, true
	}
	d := m[6]*x + m[7]*y + m[8]
	if math.Abs(d) < 1e-12 {
		return 0, 0, false
	}
	return u / d, v / d, true
}

// IsIdentity reports whether t is identity within tol.
func (t Transform) IsIdentity(tol float64) bool {
	id := Identity(t.Model)
	for i := range t.M {
		if math.Abs(t.M[i]-id.M[i]) > tol {
			return false
		}
	}
	return true
}

// Valid reports whether every coefficient is finite and t is invertible.
func (t Transform) Valid() bool {
	_, ok := t.Inverse()
	return ok
}

// update applies an increment in the model's parameter order.
func (t Transform) update(dp []float64) Transform {
	m := t.M
	switch t.Model {
	case Translation:
		m[2] += dp[0]
		m[5] += dp[1]
	case Euclidean:
		theta := math.Atan2(m[3], m[0]) + dp[0]
		c, s := math.Cos(theta), math.Sin(theta)
		m[0], m[1], m[3], m[4] = c, -s, s, c
		m[2] += dp[1]
		m[5] += dp[2]
	case Affine:
		m[0] += dp[0]
		m[3] += dp[1]
		m[1] += dp[2]
		m[4] += dp[3]
		m[2] += dp[4]
		m[5] += dp[5]
	default:
		for i := 0; i < 8; i++ {
			m[i] += dp[i]
		}
	}
	return Transform{Model: t.Model, M: m}
}

func (t Transform) String() string {
	m := t.M
	if t.Model != Homography {
		return fmt.Sprintf("%s[%.5f %.5f %.3f; %.5f %.5f %.3f]", t.Model, m[0], m[1], m[2], m[3], m[4], m[5])
	}
	return fmt.Sprintf("%s[%.5f %.5f %.3f; %.5f %.5f %.3f; %.7f %.7f %.3f]",
		t.Model, m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
}
