package dsp

import (
	"errors"
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	gwindow "gonum.org/v1/gonum/dsp/window"
)

var ErrFrameSize = errors.New("dsp: frame size must be a power of two")

// Spectrum is either a buffering progress report (Ready false) or the
// one-sided amplitude spectrum of the most recent frame.
type Spectrum struct {
	Ready      bool      `json:"ready"`
	Progress   float64   `json:"progress"`
	Size       int       `json:"size"`
	Freqs      []float64 `json:"freqs,omitempty"`
	Amplitudes []float64 `json:"amplitudes,omitempty"`
}

// Band restricts a spectrum to [Lo, Hi] Hz. A zero Hi means no upper limit.
type Band struct {
	Lo, Hi float64
}

// Analyze estimates the amplitude spectrum of the newest size samples,
// sampled at rate Hz, after applying a Hann window. Amplitudes are
// coefficient magnitudes divided by size.
func Analyze(samples []float64, rate float64, size int, band Band) (Spectrum, error) {
	if size <= 0 || size&(size-1) != 0 {
		return Spectrum{}, fmt.Errorf("%w: %d", ErrFrameSize, size)
	}
	if len(samples) < size {
		return Spectrum{Size: size, Progress: float64(len(samples)) / float64(size)}, nil
	}
	if rate <= 0 {
		return Spectrum{}, ErrNotReady
	}

	seq := make([]float64, size)
	copy(seq, samples[len(samples)-size:])
	gwindow.Hann(seq)

	fft := fourier.NewFFT(size)
	coeff := fft.Coefficients(nil, seq)

	sp := Spectrum{Ready: true, Progress: 1, Size: size}
	for i, c := range coeff {
		hz := fft.Freq(i) * rate
		if hz < band.Lo || (band.Hi > 0 && hz > band.Hi) {
			continue
		}
		sp.Freqs = append(sp.Freqs, hz)
		sp.Amplitudes = append(sp.Amplitudes, cmplx.Abs(c)/float64(size))
	}
	return sp, nil
}

// Peak returns the frequency with the largest amplitude.
func (s Spectrum) Peak() (hz, amp float64, ok bool) {
	for i, a := range s.Amplitudes {
		if !ok || a > amp {
			hz, amp, ok = s.Freqs[i], a, true
		}
	}
	return hz, amp, ok
}
