package fusion

import (
	"fmt"
	"sort"

	"focusstack/internal/imaging"
)

// FocusMeasure computes the masked focus score of one frame: the blurred
// Laplacian magnitude where the frame is valid and -InvalidScore elsewhere.
type FocusMeasure interface {
	Score(frame imaging.AlignedImage, opts Options) (imaging.FloatGrid, error)
}

// NativeMeasure is the pure Go focus measure.
type NativeMeasure struct{}

func (NativeMeasure) Score(frame imaging.AlignedImage, opts Options) (imaging.FloatGrid, error) {
	return Score(frame, opts), nil
}

var measureFactories = map[string]func() FocusMeasure{
	"native": func() FocusMeasure { return NativeMeasure{} },
}

// NewFocusMeasure returns the named focus measure.
func NewFocusMeasure(name string) (FocusMeasure, error) {
	if name == "" {
		name = "native"
	}
	f, ok := measureFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown focus measure %q (available: %v)", name, FocusMeasureNames())
	}
	return f(), nil
}

// FocusMeasureNames lists the focus measures compiled into this binary.
func FocusMeasureNames() []string {
	names := make([]string, 0, len(measureFactories))
	for n := range measureFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (o Options) measure() FocusMeasure {
	if o.Measure == nil {
		return NativeMeasure{}
	}
	return o.Measure
}
