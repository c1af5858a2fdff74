package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"focusstack/internal/imaging"
)

var (
	// ErrEmptyBatch is returned when there is nothing to fuse.
	ErrEmptyBatch = errors.New("fusion: no frames")
	// ErrDimensionMismatch and ErrChannelMismatch alias the imaging errors so
	// callers can match on either package.
	ErrDimensionMismatch = imaging.ErrDimensionMismatch
	ErrChannelMismatch   = imaging.ErrChannelMismatch
)

// Options tunes the focus measure and the validity mask.
type Options struct {
	// Threshold is the alpha a pixel must exceed to count as valid.
	Threshold uint8
	// ErodeKernel is the side of the square structuring element.
	ErodeKernel     int
	ErodeIterations int
	// BlurSize is the Gaussian window applied to the Laplacian magnitude.
	BlurSize int
	// InvalidScore is subtracted from the score of masked-out pixels.
	InvalidScore float64
	// Concurrency bounds the goroutines scoring frames and selecting bands.
	Concurrency int
	// Measure scores frames; nil uses NativeMeasure.
	Measure FocusMeasure
}

func DefaultOptions() Options {
	return Options{
		Threshold:       250,
		ErodeKernel:     3,
		ErodeIterations: 1,
		BlurSize:        5,
		InvalidScore:    1e9,
		Concurrency:     4,
	}
}

// Result is a fused composite plus the intermediate maps behind it.
type Result struct {
	Composite imaging.Image
	// Selection holds, per pixel, the index of the frame that supplied it.
	Selection SelectionMap
	Scores    []imaging.FloatGrid
}

// SelectionMap is a per-pixel frame index.
type SelectionMap struct {
	Width   int
	Height  int
	Indices []int
}

func (s SelectionMap) At(x, y int) int { return s.Indices[y*s.Width+x] }

// Histogram counts how many pixels each of n frames contributed.
func (s SelectionMap) Histogram(n int) []int {
	h := make([]int, n)
	for _, i := range s.Indices {
		if i >= 0 && i < n {
			h[i]++
		}
	}
	return h
}

// Fuse merges aligned frames by taking each pixel from the frame that is
// locally sharpest there.
func Fuse(ctx context.Context, frames []imaging.AlignedImage, opts Options) (imaging.Image, error) {
	r, err := FuseDetailed(ctx, frames, opts)
	if err != nil {
		return imaging.Image{}, err
	}
	return r.Composite, nil
}

// FuseDetailed is Fuse returning the score and selection maps as well.
func FuseDetailed(ctx context.Context, frames []imaging.AlignedImage, opts Options) (Result, error) {
	if len(frames) == 0 {
		return Result{}, ErrEmptyBatch
	}
	if err := checkFrames(frames); err != nil {
		return Result{}, err
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	measure := opts.measure()
	w, h := frames[0].Width, frames[0].Height
	if len(frames) == 1 {
		score, err := measure.Score(frames[0], opts)
		if err != nil {
			return Result{}, fmt.Errorf("score frame 0: %w", err)
		}
		sel := SelectionMap{Width: w, Height: h, Indices: make([]int, w*h)}
		return Result{
			Composite: frames[0].Color(),
			Selection: sel,
			Scores:    []imaging.FloatGrid{score},
		}, nil
	}

	scores := make([]imaging.FloatGrid, len(frames))
	scoreErrs := make([]error, len(frames))
	err := parallel(ctx, len(frames), opts.Concurrency, func(i int) {
		if scores[i], scoreErrs[i] = measure.Score(frames[i], opts); scoreErrs[i] != nil {
			scoreErrs[i] = fmt.Errorf("score frame %d: %w", i, scoreErrs[i])
		}
	})
	if err != nil {
		return Result{}, err
	}
	if err := errors.Join(scoreErrs...); err != nil {
		return Result{}, err
	}

	sel := SelectionMap{Width: w, Height: h, Indices: make([]int, w*h)}
	composite := imaging.NewImage(w, h, frames[0].Channels)
	bands := bandRows(h, opts.Concurrency)
	err = parallel(ctx, len(bands), opts.Concurrency, func(b int) {
		selectBand(frames, scores, bands[b][0], bands[b][1], sel, composite)
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Composite: composite, Selection: sel, Scores: scores}, nil
}

// Score computes the masked focus measure of one frame: the blurred
// magnitude of the Laplacian of its luminance where the frame is valid, and
// -InvalidScore where it is not.
func Score(frame imaging.AlignedImage, opts Options) imaging.FloatGrid {
	lap := frame.GrayGrid().Laplacian()
	lap.Abs()
	s := lap.GaussianBlur(opts.BlurSize)

	mask := imaging.ThresholdAlpha(frame.Width, frame.Height, frame.Alpha, opts.Threshold).
		Erode(opts.ErodeKernel, opts.ErodeIterations)
	vals := s.Values()
	for i, m := range mask.Bits {
		fm := float64(m)
		vals[i] = vals[i]*fm - (1-fm)*opts.InvalidScore
	}
	return s
}

// selectBand picks the winning frame for rows [y0, y1). Ties go to the lowest
// index.
func selectBand(frames []imaging.AlignedImage, scores []imaging.FloatGrid, y0, y1 int, sel SelectionMap, out imaging.Image) {
	ch := out.Channels
	for y := y0; y < y1; y++ {
		for x := 0; x < sel.Width; x++ {
			p := y*sel.Width + x
			best, bestScore := 0, scores[0].Values()[p]
			for k := 1; k < len(scores); k++ {
				if v := scores[k].Values()[p]; v > bestScore {
					best, bestScore = k, v
				}
			}
			sel.Indices[p] = best
			copy(out.Pix[p*ch:(p+1)*ch], frames[best].Pix[p*ch:(p+1)*ch])
		}
	}
}

func checkFrames(frames []imaging.AlignedImage) error {
	images := make([]imaging.Image, len(frames))
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if len(f.Alpha) != f.Width*f.Height {
			return fmt.Errorf("frame %d: alpha has %d values, want %d", i, len(f.Alpha), f.Width*f.Height)
		}
		images[i] = f.Image
	}
	return imaging.CheckBatch(images)
}

// bandRows splits h rows into at most n contiguous bands.
func bandRows(h, n int) [][2]int {
	if n > h {
		n = h
	}
	if n < 1 {
		n = 1
	}
	bands := make([][2]int, 0, n)
	step := (h + n - 1) / n
	for y := 0; y < h; y += step {
		end := y + step
		if end > h {
			end = h
		}
		bands = append(bands, [2]int{y, end})
	}
	return bands
}

// parallel runs fn(0..n-1) on at most workers goroutines and stops handing
// out work once ctx is done.
func parallel(ctx context.Context, n, workers int, fn func(i int)) error {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers && w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}
