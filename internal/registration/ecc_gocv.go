//go:build gocv

package registration

import (
	"context"
	"fmt"
	"math"

	"focusstack/internal/imaging"

	"gocv.io/x/gocv"
)

func init() {
	estimatorFactories["gocv"] = func(g int) Estimator { return OpenCVECC{GaussFilterSize: g} }
}

// OpenCVECC delegates to OpenCV's findTransformECC. It is only compiled with
// the gocv build tag and serves as a reference to check the native estimator.
type OpenCVECC struct {
	GaussFilterSize int
}

func (e OpenCVECC) Estimate(ctx context.Context, template, input imaging.Image, init Transform, crit Criteria) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{Transform: init}, err
	}

	tpl, err := gocv.NewMatFromBytes(template.Height, template.Width, gocv.MatTypeCV8U, template.Gray().Pix)
	if err != nil {
		return Estimate{Transform: init}, fmt.Errorf("template mat: %w", err)
	}
	defer tpl.Close()
	in, err := gocv.NewMatFromBytes(input.Height, input.Width, gocv.MatTypeCV8U, input.Gray().Pix)
	if err != nil {
		return Estimate{Transform: init}, fmt.Errorf("input mat: %w", err)
	}
	defer in.Close()

	rows := 2
	if init.Model == Homography {
		rows = 3
	}
	warp := gocv.Eye(rows, 3, gocv.MatTypeCV32F)
	defer warp.Close()
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			warp.SetFloatAt(r, c, float32(init.M[3*r+c]))
		}
	}

	mask := gocv.NewMat()
	defer mask.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, crit.MaxIterations, crit.Epsilon)
	gauss := e.GaussFilterSize
	if gauss < 1 {
		gauss = 1
	}
	rho := gocv.FindTransformECC(tpl, in, &warp, motionType(init.Model), criteria, mask, gauss)
	if math.IsNaN(rho) || rho < 0 {
		return Estimate{Transform: init, Correlation: rho}, fmt.Errorf("findTransformECC rho %f: %w", rho, ErrDiverged)
	}

	t := Identity(init.Model)
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			t.M[3*r+c] = float64(warp.GetFloatAt(r, c))
		}
	}
	if !t.Valid() {
		return Estimate{Transform: init, Correlation: rho}, ErrDiverged
	}
	// OpenCV does not report the iteration count.
	return Estimate{Transform: t, Correlation: rho, Converged: true}, nil
}

func motionType(m MotionModel) gocv.MotionType {
	switch m {
	case Translation:
		return gocv.MotionTranslation
	case Euclidean:
		return gocv.MotionEuclidean
	case Homography:
		return gocv.MotionHomography
	default:
		return gocv.MotionAffine
	}
}
