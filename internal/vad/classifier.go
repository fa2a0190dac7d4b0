package vad

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/vanta-voice/listener/internal/audio"
)

// Classifier decides whether a single frame contains voice.
type Classifier interface {
	IsSpeech(f audio.Frame) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(f audio.Frame) bool

// IsSpeech calls fn(f).
func (fn ClassifierFunc) IsSpeech(f audio.Frame) bool { return fn(f) }

const (
	speechBandLow  = 300.0
	speechBandHigh = 3400.0
)

// Floors per sensitivity level, least aggressive first.
var (
	sensitivityRatios = [...]float64{0.45, 0.55, 0.65, 0.75}
	sensitivityLevels = [...]float64{0.001, 0.002, 0.004, 0.008}
)

// SpectralClassifier flags frames whose energy is concentrated in the voice
// band. Buffers are allocated once per frame size, so steady-state
// classification does not allocate. It is not safe for concurrent use.
type SpectralClassifier struct {
	minRatio float64
	minLevel float64

	size   int
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeff  []complex128
}

// NewSpectralClassifier creates a classifier for sensitivity level 0-3.
// Out-of-range levels are clamped.
func NewSpectralClassifier(sensitivity int) *SpectralClassifier {
	c := &SpectralClassifier{}
	c.SetSensitivity(sensitivity)
	return c
}

// SetSensitivity switches to the floors of the given level.
func (c *SpectralClassifier) SetSensitivity(level int) {
	if level < 0 {
		level = 0
	}
	if level >= len(sensitivityRatios) {
		level = len(sensitivityRatios) - 1
	}
	c.minRatio = sensitivityRatios[level]
	c.minLevel = sensitivityLevels[level]
}

// IsSpeech reports whether the voice-band share of the frame's spectrum
// reaches the configured ratio.
func (c *SpectralClassifier) IsSpeech(f audio.Frame) bool {
	n := len(f.Samples)
	if n < 2 || f.SampleRate <= 0 {
		return false
	}
	if audio.RMS(f.Samples) < c.minLevel {
		return false
	}
	if n != c.size {
		c.resize(n)
	}

	for i, s := range f.Samples {
		c.buf[i] = float64(s) / 32768.0 * c.window[i]
	}
	c.coeff = c.fft.Coefficients(c.coeff, c.buf)

	var band, total float64
	rate := float64(f.SampleRate)
	// Skip DC.
	for k := 1; k < len(c.coeff); k++ {
		mag := cmplx.Abs(c.coeff[k])
		power := mag * mag
		total += power
		hz := c.fft.Freq(k) * rate
		if hz >= speechBandLow && hz <= speechBandHigh {
			band += power
		}
	}
	if total == 0 {
		return false
	}
	return band/total >= c.minRatio
}

func (c *SpectralClassifier) resize(n int) {
	c.size = n
	c.fft = fourier.NewFFT(n)
	c.buf = make([]float64, n)
	c.coeff = make([]complex128, n/2+1)
	c.window = make([]float64, n)
	for i := range c.window {
		c.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
}
