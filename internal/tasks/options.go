package tasks

import (
	"fmt"

	"focusstack/internal/config"
	"focusstack/internal/fusion"
	"focusstack/internal/registration"
)

// EngineOptions converts the stacking section of the configuration into
// registration and fusion options.
func EngineOptions(s config.Stacking, concurrency int) (registration.Options, fusion.Options, error) {
	model, err := registration.ParseMotionModel(s.MotionModel)
	if err != nil {
		return registration.Options{}, fusion.Options{}, err
	}
	est, err := registration.NewEstimator(s.Estimator, s.GaussFilterSize)
	if err != nil {
		return registration.Options{}, fusion.Options{}, err
	}
	measure, err := fusion.NewFocusMeasure(s.FocusMeasure)
	if err != nil {
		return registration.Options{}, fusion.Options{}, err
	}
	if s.AlphaThreshold < 0 || s.AlphaThreshold > 255 {
		return registration.Options{}, fusion.Options{}, fmt.Errorf("alpha threshold %d out of range", s.AlphaThreshold)
	}

	ro := registration.DefaultOptions()
	ro.Model = model
	ro.Estimator = est
	ro.Criteria = registration.Criteria{MaxIterations: s.MaxIterations, Epsilon: s.Epsilon}
	ro.Concurrency = concurrency
	if s.ReferenceIndex >= 0 {
		ref := s.ReferenceIndex
		ro.Reference = &ref
	}

	fo := fusion.Options{
		Threshold:       uint8(s.AlphaThreshold),
		ErodeKernel:     s.ErodeKernel,
		ErodeIterations: s.ErodeIterations,
		BlurSize:        s.FocusBlurSize,
		InvalidScore:    s.InvalidScore,
		Concurrency:     concurrency,
		Measure:         measure,
	}
	return ro, fo, nil
}
