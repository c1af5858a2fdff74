package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"focusstack/internal/imaging"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when the Gauss-Newton system cannot be solved,
	// typically on frames without texture.
	ErrSingular = errors.New("ecc: singular hessian")
	// ErrDiverged is returned when the correlation becomes undefined or the
	// update would minimise it.
	ErrDiverged = errors.New("ecc: correlation diverged")
	// ErrNoOverlap is returned when the warped frame leaves the template grid.
	ErrNoOverlap = errors.New("ecc: warped frame does not overlap reference")
	// ErrNoTexture is returned when either image is flat over the overlap.
	ErrNoTexture = errors.New("ecc: image has no texture")
)

// minStdDev is the intensity spread below which an image counts as flat.
const minStdDev = 1e-3

// Criteria bounds the optimisation.
type Criteria struct {
	MaxIterations int
	Epsilon       float64
}

// DefaultCriteria stops after 1000 iterations or a correlation change below 1e-5.
func DefaultCriteria() Criteria { return Criteria{MaxIterations: 1000, Epsilon: 1e-5} }

// Estimate is the result of one registration.
type Estimate struct {
	Transform   Transform
	Correlation float64
	Iterations  int
	Converged   bool // the epsilon criterion ended the loop
}

// Estimator refines init so that input warped by the result correlates best
// with template. Both images are 8-bit grayscale.
type Estimator interface {
	Estimate(ctx context.Context, template, input imaging.Image, init Transform, crit Criteria) (Estimate, error)
}

// ECC maximises the enhanced correlation coefficient between a template and
// an input image with a forward-additive Gauss-Newton scheme.
type ECC struct {
	// GaussFilterSize pre-smooths both images; values <= 1 disable it.
	GaussFilterSize int
}

// eccState holds the per-iteration buffers of one registration.
type eccState struct {
	w, h    int
	tpl     imaging.FloatGrid
	img     imaging.FloatGrid
	gx, gy  imaging.FloatGrid
	warped  []float64
	wgx     []float64
	wgy     []float64
	valid   []bool
	tplZM   []float64
	jac     [][]float64
	nParams int
}

func (e ECC) Estimate(ctx context.Context, template, input imaging.Image, init Transform, crit Criteria) (Estimate, error) {
	if template.Empty() || input.Empty() {
		return Estimate{Transform: init}, ErrNoOverlap
	}
	if crit.MaxIterations <= 0 {
		crit.MaxIterations = DefaultCriteria().MaxIterations
	}

	s := newECCState(template.GrayGrid(), input.GrayGrid(), e.GaussFilterSize, init.Model.Params())

	t := init
	rho, lastRho := -1.0, -crit.Epsilon
	iter := 1
	for ; iter <= crit.MaxIterations && math.Abs(rho-lastRho) >= crit.Epsilon; iter++ {
		if err := ctx.Err(); err != nil {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter - 1}, err
		}

		tplNorm, imgNorm, err := s.warp(t)
		if err != nil {
			return Estimate{Transform: t, Iterations: iter - 1}, err
		}
		s.jacobian(t)

		hess := mat.NewSymDense(s.nParams, nil)
		for i := 0; i < s.nParams; i++ {
			for j := i; j < s.nParams; j++ {
				hess.SetSym(i, j, floats.Dot(s.jac[i], s.jac[j]))
			}
		}

		correlation := floats.Dot(s.tplZM, s.warped)
		lastRho = rho
		rho = correlation / (imgNorm * tplNorm)
		if math.IsNaN(rho) || math.IsInf(rho, 0) {
			return Estimate{Transform: t, Iterations: iter}, fmt.Errorf("iteration %d: %w", iter, ErrDiverged)
		}

		imgProj := mat.NewVecDense(s.nParams, nil)
		tplProj := mat.NewVecDense(s.nParams, nil)
		for k := 0; k < s.nParams; k++ {
			imgProj.SetVec(k, floats.Dot(s.jac[k], s.warped))
			tplProj.SetVec(k, floats.Dot(s.jac[k], s.tplZM))
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(hess); !ok {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: %w", iter, ErrSingular)
		}
		if cond := chol.Cond(); cond > 1e15 || math.IsInf(cond, 0) {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: condition %g: %w", iter, cond, ErrSingular)
		}

		var imgProjHess mat.VecDense
		if err := chol.SolveVecTo(&imgProjHess, imgProj); err != nil {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: %v: %w", iter, err, ErrSingular)
		}

		lambdaN := imgNorm*imgNorm - mat.Dot(imgProj, &imgProjHess)
		lambdaD := correlation - mat.Dot(tplProj, &imgProjHess)
		if lambdaD <= 0 {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: images uncorrelated or not overlapping: %w", iter, ErrDiverged)
		}
		lambda := lambdaN / lambdaD

		// error projection: J^T (lambda*tplZM - imgZM)
		errProj := mat.NewVecDense(s.nParams, nil)
		errProj.AddScaledVec(errProj, lambda, tplProj)
		errProj.SubVec(errProj, imgProj)

		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, errProj); err != nil {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: %v: %w", iter, err, ErrSingular)
		}

		next := t.update(delta.RawVector().Data)
		if !next.Valid() {
			return Estimate{Transform: t, Correlation: rho, Iterations: iter}, fmt.Errorf("iteration %d: degenerate transform: %w", iter, ErrDiverged)
		}
		t = next
	}

	return Estimate{
		Transform:   t,
		Correlation: rho,
		Iterations:  iter - 1,
		Converged:   math.Abs(rho-lastRho) < crit.Epsilon,
	}, nil
}

func newECCState(tpl, img imaging.FloatGrid, gaussSize, nParams int) *eccState {
	if gaussSize > 1 {
		tpl = tpl.GaussianBlur(gaussSize)
		img = img.GaussianBlur(gaussSize)
	}
	gx, gy := img.Gradients()
	n := tpl.Dx() * tpl.Dy()
	s := &eccState{
		w: tpl.Dx(), h: tpl.Dy(),
		tpl: tpl, img: img, gx: gx, gy: gy,
		warped:  make([]float64, n),
		wgx:     make([]float64, n),
		wgy:     make([]float64, n),
		valid:   make([]bool, n),
		tplZM:   make([]float64, n),
		jac:     make([][]float64, nParams),
		nParams: nParams,
	}
	for k := range s.jac {
		s.jac[k] = make([]float64, n)
	}
	return s
}

// warp resamples the input and its gradients onto the template grid under t
// and leaves zero-mean copies of the overlapping region in warped and tplZM.
func (s *eccState) warp(t Transform) (tplNorm, imgNorm float64, err error) {
	var count int
	var tplSum, imgSum float64
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			i := y*s.w + x
			s.valid[i] = false
			s.warped[i], s.wgx[i], s.wgy[i] = 0, 0, 0
			u, v, ok := t.Apply(float64(x), float64(y))
			if !ok {
				continue
			}
			iv, ok := s.img.Bilinear(u, v)
			if !ok {
				continue
			}
			s.valid[i] = true
			s.warped[i] = iv
			s.wgx[i], _ = s.gx.Bilinear(u, v)
			s.wgy[i], _ = s.gy.Bilinear(u, v)
			count++
			tplSum += s.tpl.Values()[i]
			imgSum += iv
		}
	}
	if count == 0 {
		return 0, 0, ErrNoOverlap
	}
	tplMean := tplSum / float64(count)
	imgMean := imgSum / float64(count)
	tv := s.tpl.Values()
	for i := range s.warped {
		if !s.valid[i] {
			s.tplZM[i] = 0
			continue
		}
		s.tplZM[i] = tv[i] - tplMean
		s.warped[i] -= imgMean
	}
	tplNorm, imgNorm = floats.Norm(s.tplZM, 2), floats.Norm(s.warped, 2)
	if flat := minStdDev * math.Sqrt(float64(count)); tplNorm < flat || imgNorm < flat {
		return tplNorm, imgNorm, ErrNoTexture
	}
	return tplNorm, imgNorm, nil
}

// jacobian fills d(I(W(x;p)))/dp for every pixel, zero outside the overlap.
func (s *eccState) jacobian(t Transform) {
	m := t.M
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			i := y*s.w + x
			if !s.valid[i] {
				for k := range s.jac {
					s.jac[k][i] = 0
				}
				continue
			}
			gx, gy := s.wgx[i], s.wgy[i]
			fx, fy := float64(x), float64(y)
			switch t.Model {
			case Translation:
				s.jac[0][i] = gx
				s.jac[1][i] = gy
			case Euclidean:
				c, sn := m[0], m[3]
				s.jac[0][i] = gx*(-sn*fx-c*fy) + gy*(c*fx-sn*fy)
				s.jac[1][i] = gx
				s.jac[2][i] = gy
			case Affine:
				s.jac[0][i] = gx * fx
				s.jac[1][i] = gy * fx
				s.jac[2][i] = gx * fy
				s.jac[3][i] = gy * fy
				s.jac[4][i] = gx
				s.jac[5][i] = gy
			default:
				den := m[6]*fx + m[7]*fy + m[8]
				u := (m[0]*fx + m[1]*fy + m[2]) / den
				v := (m[3]*fx + m[4]*fy + m[5]) / den
				gxd, gyd := gx/den, gy/den
				proj := -(gxd*u + gyd*v)
				s.jac[0][i] = gxd * fx
				s.jac[1][i] = gxd * fy
				s.jac[2][i] = gxd
				s.jac[3][i] = gyd * fx
				s.jac[4][i] = gyd * fy
				s.jac[5][i] = gyd
				s.jac[6][i] = proj * fx
				s.jac[7][i] = proj * fy
			}
		}
	}
}
