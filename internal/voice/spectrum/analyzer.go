// Package spectrum turns live audio into a fixed number of smoothed,
// log-spaced frequency band magnitudes for level-meter style visualisation.
//
// Samples accumulate until a full analysis window is available. Each window
// is Hann-weighted, transformed with a real FFT, grouped into log-spaced
// bands, normalised to the loudest band, floored and exponentially smoothed
// against the previous output. Consecutive windows overlap by half.
package spectrum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/MrWong99/athena/internal/fanout"
	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/pkg/audio"
)

// Defaults applied by [New] when the corresponding [Config] field is zero.
const (
	DefaultWindowSize   = 512
	DefaultBandCount    = 30
	DefaultSmoothing    = 0.6
	DefaultMinAmplitude = 0.05
)

// Config holds the analyzer tuning values.
type Config struct {
	// WindowSize is the FFT length in samples. Must be even and at least 4.
	WindowSize int

	// BandCount is the number of output bands.
	BandCount int

	// Smoothing is the weight of the previous output in [0, 1).
	Smoothing float64

	// MinAmplitude is the floor applied to every band, in [0, 1].
	MinAmplitude float64
}

func (c *Config) applyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.BandCount == 0 {
		c.BandCount = DefaultBandCount
	}
	if c.Smoothing == 0 {
		c.Smoothing = DefaultSmoothing
	}
	if c.MinAmplitude == 0 {
		c.MinAmplitude = DefaultMinAmplitude
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize < 4 || c.WindowSize%2 != 0 {
		errs = append(errs, fmt.Errorf("window size %d must be even and >= 4", c.WindowSize))
	}
	if c.BandCount < 1 {
		errs = append(errs, fmt.Errorf("band count %d must be >= 1", c.BandCount))
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("smoothing %g must be in [0, 1)", c.Smoothing))
	}
	if c.MinAmplitude < 0 || c.MinAmplitude > 1 {
		errs = append(errs, fmt.Errorf("min amplitude %g must be in [0, 1]", c.MinAmplitude))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Analyzer)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// Analyzer is the spectral amplitude analyzer. All methods are safe for
// concurrent use.
type Analyzer struct {
	cfg     Config
	metrics *observe.Metrics
	ranges  []binRange
	fft     *fourier.FFT
	hub     fanout.Hub[[]float64]

	mu     sync.Mutex
	active bool
	buf    []float64
	win    []float64
	coeffs []complex128
	mags   []float64
	bands  []float64
}

// New validates cfg (after defaults) and returns an inactive Analyzer whose
// bands are all at the floor.
func New(cfg Config, opts ...Option) (*Analyzer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("spectrum: %w", err)
	}
	a := &Analyzer{
		cfg:    cfg,
		ranges: bandRanges(cfg.WindowSize/2, cfg.BandCount),
		fft:    fourier.NewFFT(cfg.WindowSize),
		buf:    make([]float64, 0, cfg.WindowSize*2),
		win:    make([]float64, cfg.WindowSize),
		mags:   make([]float64, cfg.WindowSize/2),
		bands:  floorBands(cfg.BandCount, cfg.MinAmplitude),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Start activates processing. Calling Start on an active analyzer is a no-op.
func (a *Analyzer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
}

// Stop deactivates processing, discards buffered samples and resets every
// band to the floor. Subscribers receive the reset vector.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	a.active = false
	a.buf = a.buf[:0]
	a.bands = floorBands(a.cfg.BandCount, a.cfg.MinAmplitude)
	out := cloneBands(a.bands)
	a.mu.Unlock()
	a.hub.Publish(out)
}

// Process appends frame to the working buffer and analyses every complete
// window. Frames are ignored while the analyzer is stopped.
func (a *Analyzer) Process(frame audio.AudioFrame) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	for _, s := range frame.Samples {
		a.buf = append(a.buf, float64(s))
	}

	var published [][]float64
	w := a.cfg.WindowSize
	half := w / 2
	for len(a.buf) >= w {
		start := time.Now()
		a.analyse(a.buf[:w])
		a.metrics.SpectrumDuration.Record(context.Background(), time.Since(start).Seconds())
		published = append(published, cloneBands(a.bands))

		n := copy(a.buf, a.buf[half:])
		a.buf = a.buf[:n]
	}
	a.mu.Unlock()

	for _, b := range published {
		if missed := a.hub.Publish(b); missed > 0 {
			slog.Debug("spectrum: subscriber lagging, dropped band frame", "missed", missed)
		}
	}
}

// Bands returns a copy of the current band vector.
func (a *Analyzer) Bands() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneBands(a.bands)
}

// Subscribe returns a channel receiving every new band vector. Vectors are
// never shared between subscribers and may be retained.
func (a *Analyzer) Subscribe(buffer int) (<-chan []float64, func()) {
	return a.hub.Subscribe(buffer)
}

// Close ends all subscriptions.
func (a *Analyzer) Close() {
	a.hub.Close()
}

// analyse runs one window through the FFT and updates a.bands. Callers hold
// a.mu.
func (a *Analyzer) analyse(samples []float64) {
	copy(a.win, samples)
	window.Hann(a.win)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.win)
	for i := range a.mags {
		a.mags[i] = cmplx.Abs(a.coeffs[i])
	}
	raw := rawBands(a.mags, a.ranges, a.cfg.MinAmplitude)
	smooth(a.bands, raw, a.cfg.Smoothing)
}

// binRange is the half-open FFT bin interval [lo, hi) of one band.
type binRange struct {
	lo, hi int
}

// bandRanges maps binCount bins onto bandCount log-spaced bands. Band i spans
// [binCount^(i/n), binCount^((i+1)/n)); low bands can collapse to an empty
// range when bandCount is large relative to binCount.
func bandRanges(binCount, bandCount int) []binRange {
	out := make([]binRange, bandCount)
	for i := range bandCount {
		lo := int(math.Pow(float64(binCount), float64(i)/float64(bandCount)))
		hi := int(math.Pow(float64(binCount), float64(i+1)/float64(bandCount)))
		out[i] = binRange{lo: min(lo, binCount), hi: min(hi, binCount)}
	}
	return out
}

// rawBands averages mags per band, normalises to the largest band and applies
// the floor. Empty bands stay 0 before flooring.
func rawBands(mags []float64, ranges []binRange, floor float64) []float64 {
	out := make([]float64, len(ranges))
	peak := 0.0
	for i, r := range ranges {
		if r.hi <= r.lo {
			continue
		}
		sum := 0.0
		for _, m := range mags[r.lo:r.hi] {
			sum += m
		}
		out[i] = sum / float64(r.hi-r.lo)
		peak = max(peak, out[i])
	}
	for i := range out {
		if peak > 0 {
			out[i] /= peak
		}
		out[i] = min(max(out[i], floor), 1)
	}
	return out
}

// smooth blends cur into prev in place: prev = α·prev + (1-α)·cur.
func smooth(prev, cur []float64, alpha float64) {
	for i := range prev {
		prev[i] = alpha*prev[i] + (1-alpha)*cur[i]
	}
}

func floorBands(n int, floor float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = floor
	}
	return out
}

func cloneBands(b []float64) []float64 {
	out := make([]float64, len(b))
	copy(out, b)
	return out
}
