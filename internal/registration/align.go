package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"focusstack/internal/imaging"
)

// ErrReferenceRange is returned when the requested reference index is not in the batch.
var ErrReferenceRange = errors.New("reference index out of range")

// Outcome tags how a frame reached the reference grid.
type Outcome int

const (
	OutcomeReference Outcome = iota // the reference itself, never resampled
	OutcomeAligned                  // registered and warped
	OutcomeFallback                 // registration failed, copied unaligned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReference:
		return "reference"
	case OutcomeAligned:
		return "aligned"
	case OutcomeFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// RegistrationError records why a frame fell back to passthrough.
type RegistrationError struct {
	Frame int
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration of frame %d failed: %v", e.Frame, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Frame is one entry of the aligned sequence.
type Frame struct {
	Index       int
	Image       imaging.AlignedImage
	Transform   Transform
	Outcome     Outcome
	Correlation float64
	Iterations  int
	Converged   bool
	Err         error // *RegistrationError when Outcome is OutcomeFallback
}

// Degraded reports whether the frame entered fusion unaligned.
func (f Frame) Degraded() bool { return f.Outcome == OutcomeFallback }

// Options configures Align.
type Options struct {
	Reference   *int // nil selects the middle frame
	Model       MotionModel
	Criteria    Criteria
	Concurrency int
	Estimator   Estimator
	Logger      *slog.Logger
}

// DefaultOptions registers with an affine model and the native ECC estimator.
func DefaultOptions() Options {
	return Options{
		Model:       Affine,
		Criteria:    DefaultCriteria(),
		Concurrency: 4,
		Estimator:   ECC{GaussFilterSize: 5},
	}
}

// ReferenceIndex resolves the reference frame for a batch of n images.
func (o Options) ReferenceIndex(n int) (int, error) {
	if o.Reference == nil {
		return n / 2, nil
	}
	ref := *o.Reference
	if ref < 0 || ref >= n {
		return 0, fmt.Errorf("reference %d of %d frames: %w", ref, n, ErrReferenceRange)
	}
	return ref, nil
}

// Align registers every frame against the reference frame and resamples it
// onto the reference grid. The result has the same length and order as
// images. A frame whose registration fails is passed through unaligned and
// fully valid; only invalid input or cancellation produce an error.
func Align(ctx context.Context, images []imaging.Image, opts Options) ([]Frame, error) {
	if len(images) == 0 {
		return []Frame{}, nil
	}
	for i, m := range images {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	ref, err := opts.ReferenceIndex(len(images))
	if err != nil {
		return nil, err
	}
	if opts.Estimator == nil {
		opts.Estimator = ECC{GaussFilterSize: 5}
	}
	if opts.Criteria.MaxIterations <= 0 {
		opts.Criteria = DefaultCriteria()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	frames := make([]Frame, len(images))
	frames[ref] = Frame{
		Index:       ref,
		Image:       imaging.Opaque(images[ref]),
		Transform:   Identity(opts.Model),
		Outcome:     OutcomeReference,
		Correlation: 1,
		Converged:   true,
	}
	if len(images) == 1 {
		return frames, nil
	}

	template := images[ref].Gray()
	width, height := images[ref].Width, images[ref].Height

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ctxErr error

	for i := range images {
		if i == ref {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				ctxErr = ctx.Err()
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			f, err := alignOne(ctx, template, images[i], i, width, height, opts)
			if err != nil {
				mu.Lock()
				ctxErr = err
				mu.Unlock()
				return
			}
			log.Debug("frame registered",
				"frame", i,
				"outcome", f.Outcome.String(),
				"correlation", f.Correlation,
				"iterations", f.Iterations,
				"transform", f.Transform.String(),
			)
			frames[i] = f
		}(i)
	}
	wg.Wait()

	if ctxErr != nil {
		return nil, ctxErr
	}
	return frames, nil
}

// alignOne registers a single frame. It only returns an error on cancellation.
func alignOne(ctx context.Context, template, src imaging.Image, index, width, height int, opts Options) (Frame, error) {
	est, err := opts.Estimator.Estimate(ctx, template, src.Gray(), Identity(opts.Model), opts.Criteria)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Frame{}, err
		}
		return Frame{
			Index:       index,
			Image:       imaging.Opaque(src),
			Transform:   Identity(opts.Model),
			Outcome:     OutcomeFallback,
			Correlation: est.Correlation,
			Iterations:  est.Iterations,
			Err:         &RegistrationError{Frame: index, Err: err},
		}, nil
	}

	return Frame{
		Index:       index,
		Image:       Warp(src, est.Transform, width, height),
		Transform:   est.Transform,
		Outcome:     OutcomeAligned,
		Correlation: est.Correlation,
		Iterations:  est.Iterations,
		Converged:   est.Converged,
	}, nil
}

// Images returns the aligned images of frames in order.
func Images(frames []Frame) []imaging.AlignedImage {
	out := make([]imaging.AlignedImage, len(frames))
	for i, f := range frames {
		out[i] = f.Image
	}
	return out
}

// estimatorFactories maps estimator names to constructors. Optional
// backends register themselves from build-tagged files.
var estimatorFactories = map[string]func(gaussFilterSize int) Estimator{
	"native": func(g int) Estimator { return ECC{GaussFilterSize: g} },
}

// NewEstimator returns the named estimator.
func NewEstimator(name string, gaussFilterSize int) (Estimator, error) {
	if name == "" {
		name = "native"
	}
	f, ok := estimatorFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown estimator %q (available: %v)", name, EstimatorNames())
	}
	return f(gaussFilterSize), nil
}

// EstimatorNames lists the estimators compiled into this binary.
func EstimatorNames() []string {
	names := make([]string, 0, len(estimatorFactories))
	for n := range estimatorFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
