//go:build gocv

package fusion

import (
	"fmt"
	"image"

	"focusstack/internal/imaging"

	"gocv.io/x/gocv"
)

func init() {
	measureFactories["gocv"] = func() FocusMeasure { return OpenCVMeasure{} }
}

// OpenCVMeasure scores frames with OpenCV's Laplacian, GaussianBlur and
// erode. It is only compiled with the gocv build tag.
type OpenCVMeasure struct{}

func (OpenCVMeasure) Score(frame imaging.AlignedImage, opts Options) (imaging.FloatGrid, error) {
	w, h := frame.Width, frame.Height

	gray, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, frame.Gray().Pix)
	if err != nil {
		return imaging.FloatGrid{}, fmt.Errorf("gray mat: %w", err)
	}
	defer gray.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	zero := gocv.NewMatWithSize(h, w, gocv.MatTypeCV64F)
	defer zero.Close()
	zero.SetTo(gocv.NewScalar(0, 0, 0, 0))
	magnitude := gocv.NewMat()
	defer magnitude.Close()
	gocv.AbsDiff(lap, zero, &magnitude)

	blurred := gocv.NewMat()
	defer blurred.Close()
	blur := opts.BlurSize
	if blur < 1 {
		blur = 1
	}
	gocv.GaussianBlur(magnitude, &blurred, image.Point{X: blur, Y: blur}, 0, 0, gocv.BorderDefault)

	alpha, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, frame.Alpha)
	if err != nil {
		return imaging.FloatGrid{}, fmt.Errorf("alpha mat: %w", err)
	}
	defer alpha.Close()
	valid := gocv.NewMat()
	defer valid.Close()
	gocv.Threshold(alpha, &valid, float32(opts.Threshold), 1, gocv.ThresholdBinary)

	mask := valid
	if opts.ErodeIterations > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: opts.ErodeKernel, Y: opts.ErodeKernel})
		defer kernel.Close()
		eroded := gocv.NewMat()
		defer eroded.Close()
		// a constant border with the default value leaves edge pixels uneroded
		gocv.ErodeWithParams(valid, &eroded, kernel, image.Point{X: -1, Y: -1}, opts.ErodeIterations, gocv.BorderConstant)
		mask = eroded
	}

	out := imaging.NewFloatGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := float64(mask.GetUCharAt(y, x))
			out.Set(x, y, blurred.GetDoubleAt(y, x)*m-(1-m)*opts.InvalidScore)
		}
	}
	return out, nil
}
