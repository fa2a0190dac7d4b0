package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	fallbackConfidence = 0.1

	minPlaceholderSeconds = 0.2
	silenceRMS            = 0.01
	flatStdDev            = 0.05
	blockPeak             = 0.01
	samplesPerBlock       = 1000
)

// Placeholder returns the text the fallback backend produces for samples.
// It is deterministic and depends only on its input.
func Placeholder(samples []int16, sampleRate int) string {
	if sampleRate <= 0 || float64(len(samples)) < minPlaceholderSeconds*float64(sampleRate) {
		return ""
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s) / 32768.0
	}

	if math.Sqrt(floats.Dot(x, x)/float64(len(x))) < silenceRMS {
		return ""
	}

	peak := math.Max(floats.Max(x), -floats.Min(x))
	if peak == 0 {
		return ""
	}
	norm := make([]float64, len(x))
	floats.ScaleTo(norm, 1/peak, x)
	if _, std := stat.PopMeanStdDev(norm, nil); std <= flatStdDev {
		return ""
	}

	active := activeSeconds(x, sampleRate)
	switch {
	case active < 0.5:
		return "..."
	case active < 1.0:
		return "... short phrase ..."
	case active < 2.0:
		return "... sentence ..."
	default:
		return "... longer speech ..."
	}
}

// activeSeconds splits x into near-equal blocks of about a thousand samples
// and counts blocks whose peak passes the threshold.
func activeSeconds(x []float64, sampleRate int) float64 {
	n := len(x)
	blocks := n / samplesPerBlock
	if blocks < 1 {
		blocks = 1
	}

	base, extra := n/blocks, n%blocks
	active, pos := 0, 0
	for b := 0; b < blocks; b++ {
		size := base
		if b < extra {
			size++
		}
		block := x[pos : pos+size]
		pos += size
		if math.Max(floats.Max(block), -floats.Min(block)) > blockPeak {
			active++
		}
	}
	return float64(active) * (float64(n) / float64(blocks)) / float64(sampleRate)
}

// FallbackBackend produces placeholder text from signal statistics. It is
// the last link of the cascade and never fails.
type FallbackBackend struct {
	logger *slog.Logger
}

// NewFallbackBackend creates the fallback backend.
func NewFallbackBackend(logger *slog.Logger) *FallbackBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackBackend{logger: logger.With("component", "transcription.fallback")}
}

func (f *FallbackBackend) Kind() BackendKind { return BackendFallback }

func (f *FallbackBackend) Name() string { return "fallback" }

// Transcribe always returns a placeholder result.
func (f *FallbackBackend) Transcribe(_ context.Context, req *Request) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Fallback analysis panicked", slog.String("panic", fmt.Sprint(r)))
			res, err = &Result{Confidence: fallbackConfidence, Placeholder: true}, nil
		}
	}()

	var text string
	if req != nil && req.Segment != nil {
		text = Placeholder(req.Segment.Samples(), req.Segment.SampleRate)
	}
	return &Result{Text: text, Confidence: fallbackConfidence, Placeholder: true}, nil
}
