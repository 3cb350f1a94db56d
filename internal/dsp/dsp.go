// Package dsp implements per-frame signal conditioning and voice activity
// detection for the captioning pipeline.
//
// A [Conditioner] takes one fixed-duration frame of raw 16-bit PCM and
// produces (a) the conditioned float32 samples handed to the transcription
// engine and (b) a boolean speech decision that drives the segmenter's
// hysteresis state machine. The conditioning chain is: normalize to [-1, 1],
// first-order high-pass to strip DC and low-frequency rumble, optional
// spectral-subtraction noise suppression against a rolling noise profile,
// then the VAD decision.
//
// The VAD decision combines three signals. The [Classifier] vote is the
// primary one; the adaptive energy gate and the spectral-centroid check are
// advisory vetoes and can be disabled via [Config] without affecting
// correctness. Whenever a frame is judged non-speech the noise profile and
// the adaptive energy threshold are updated from it.
//
// A Conditioner carries filter and profile state across frames and is not
// safe for concurrent use; create one per audio stream.
package dsp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// highpassAlpha is the coefficient of the first-order high-pass filter.
	// At 16 kHz this places the -3 dB point near 80 Hz.
	highpassAlpha = 0.95

	// noiseDecay is the exponential decay applied to the rolling noise
	// profile on every non-speech frame.
	noiseDecay = 0.01

	// thresholdDecay controls how fast the adaptive energy threshold tracks
	// recent non-speech energy (new = 0.9*old + 0.1*observed).
	thresholdDecay = 0.9

	// energyMargin is how far above the tracked noise energy a frame must be
	// for the energy gate to accept it as speech.
	energyMargin = 2.0

	// spectralFloor keeps a fraction of the original magnitude after noise
	// subtraction so the residual never collapses to silence artifacts.
	spectralFloor = 0.1
)

// Config holds the tunable parameters of a [Conditioner].
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the frames
	// passed to Condition.
	SampleRate int

	// EnergyThreshold is the initial adaptive energy gate value, expressed
	// as mean-square power of normalized samples. It decays toward recent
	// non-speech energy as frames are observed. Zero disables the gate.
	EnergyThreshold float64

	// MinCentroidHz is the spectral-centroid floor: frames whose energy
	// centroid falls below it are vetoed as non-speech. Speech energy
	// concentrates above roughly 500 Hz. Zero disables the check.
	MinCentroidHz float64

	// Denoise enables spectral-subtraction noise suppression using the
	// rolling non-speech noise profile.
	Denoise bool
}

// DefaultConfig returns the conditioner parameters used in production:
// 16 kHz input, an energy gate starting at the power equivalent of the
// classic RMS-500 PCM threshold, a 500 Hz centroid floor, and noise
// suppression enabled.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		EnergyThreshold: 2.3e-4,
		MinCentroidHz:   500,
		Denoise:         true,
	}
}

// Classifier is the frame-level speech/non-speech vote, the primary VAD
// signal. Implementations may wrap a model-based detector; the default is
// [EnergyClassifier]. A returned error is treated as a non-speech vote.
type Classifier interface {
	Classify(frame []float32) (speech bool, err error)
}

// EnergyClassifier votes speech when the frame's mean-square energy exceeds
// a fixed threshold. It is stateless and safe for concurrent use.
type EnergyClassifier struct {
	// Threshold is the mean-square power above which a frame is speech.
	Threshold float64
}

// Classify implements [Classifier].
func (c EnergyClassifier) Classify(frame []float32) (bool, error) {
	if len(frame) == 0 {
		return false, errors.New("dsp: empty frame")
	}
	return meanSquare(frame) > c.Threshold, nil
}

// Conditioner conditions one frame at a time and decides speech activity.
// Not safe for concurrent use; create one per stream.
type Conditioner struct {
	cfg        Config
	classifier Classifier

	// High-pass filter state, carried across frames for continuity.
	prevIn  float32
	prevOut float32

	// FFT plan, rebuilt if the frame length changes.
	fft    *fourier.FFT
	fftLen int

	// Rolling noise magnitude profile (per FFT bin) and whether it has
	// observed at least one non-speech frame.
	noise      []float64
	noiseReady bool

	// Adaptive energy gate value, decaying toward non-speech energy.
	adaptThr float64
}

// NewConditioner creates a Conditioner with the given config. classifier may
// be nil, in which case an [EnergyClassifier] seeded from
// cfg.EnergyThreshold is used.
func NewConditioner(cfg Config, classifier Classifier) *Conditioner {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if classifier == nil {
		thr := cfg.EnergyThreshold
		if thr <= 0 {
			thr = DefaultConfig().EnergyThreshold
		}
		classifier = EnergyClassifier{Threshold: thr}
	}
	return &Conditioner{
		cfg:        cfg,
		classifier: classifier,
		adaptThr:   cfg.EnergyThreshold,
	}
}

// Condition processes one raw frame and returns the conditioned samples
// together with the speech decision. The returned slice is freshly allocated
// and owned by the caller. Internal failures never escape: the frame
// degrades to a non-speech decision with best-effort conditioned output.
func (c *Conditioner) Condition(frame []int16) ([]float32, bool) {
	cond := c.normalize(frame)
	c.highpass(cond)

	spectrum := c.spectrum(cond)
	if c.cfg.Denoise && spectrum != nil {
		c.subtractNoise(cond, spectrum)
	}

	speech := c.decide(cond, spectrum)
	if !speech {
		c.learnNoise(cond, spectrum)
	}
	return cond, speech
}

// Reset clears all accumulated filter, noise-profile, and threshold state.
// Use it when a stream is interrupted and restarted.
func (c *Conditioner) Reset() {
	c.prevIn, c.prevOut = 0, 0
	c.noise = nil
	c.noiseReady = false
	c.adaptThr = c.cfg.EnergyThreshold
}

// normalize converts to float32 in [-1, 1], squashing any out-of-range or
// non-finite garbage to zero.
func (c *Conditioner) normalize(frame []int16) []float32 {
	out := make([]float32, len(frame))
	for i, s := range frame {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// highpass applies the first-order DC/rumble filter in place, carrying state
// across frame boundaries.
func (c *Conditioner) highpass(frame []float32) {
	prevIn, prevOut := c.prevIn, c.prevOut
	for i, x := range frame {
		y := highpassAlpha * (prevOut + x - prevIn)
		frame[i] = y
		prevIn, prevOut = x, y
	}
	c.prevIn, c.prevOut = prevIn, prevOut
}

// spectrum computes the frame's Fourier coefficients, reusing the FFT plan
// when the frame length is stable. Returns nil for frames too short to
// analyze; callers treat a nil spectrum as "spectral checks unavailable".
func (c *Conditioner) spectrum(frame []float32) []complex128 {
	n := len(frame)
	if n < 4 {
		return nil
	}
	if c.fft == nil || c.fftLen != n {
		c.fft = fourier.NewFFT(n)
		c.fftLen = n
		c.noise = nil
		c.noiseReady = false
	}
	seq := make([]float64, n)
	for i, v := range frame {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		seq[i] = f
	}
	return c.fft.Coefficients(nil, seq)
}

// subtractNoise attenuates each frequency bin by the rolling noise profile
// and writes the reconstructed signal back into frame. A spectral floor
// keeps a fraction of the original magnitude so subtraction never inverts.
func (c *Conditioner) subtractNoise(frame []float32, spectrum []complex128) {
	if !c.noiseReady || len(c.noise) != len(spectrum) {
		return
	}
	for k, coeff := range spectrum {
		mag := cmplxAbs(coeff)
		if mag == 0 {
			continue
		}
		cleaned := mag - c.noise[k]
		if floor := spectralFloor * mag; cleaned < floor {
			cleaned = floor
		}
		scale := complex(cleaned/mag, 0)
		spectrum[k] *= scale
	}

	seq := c.fft.Sequence(nil, spectrum)
	n := float64(len(seq))
	for i := range frame {
		v := seq[i] / n // gonum's inverse is unnormalized
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		frame[i] = float32(v)
	}
}

// decide runs the combined VAD: classifier vote first, then the advisory
// energy gate and spectral-centroid veto.
func (c *Conditioner) decide(frame []float32, spectrum []complex128) bool {
	speech, err := c.classifier.Classify(frame)
	if err != nil || !speech {
		return false
	}

	if c.cfg.EnergyThreshold > 0 {
		if meanSquare(frame) <= c.adaptThr*energyMargin {
			return false
		}
	}

	if c.cfg.MinCentroidHz > 0 && spectrum != nil {
		if cent := c.centroidHz(spectrum); cent > 0 && cent < c.cfg.MinCentroidHz {
			return false
		}
	}
	return true
}

// learnNoise folds a non-speech frame into the rolling noise profile and
// decays the adaptive energy threshold toward the frame's energy.
func (c *Conditioner) learnNoise(frame []float32, spectrum []complex128) {
	if c.cfg.EnergyThreshold > 0 {
		c.adaptThr = thresholdDecay*c.adaptThr + (1-thresholdDecay)*meanSquare(frame)
	}

	if spectrum == nil {
		return
	}
	if len(c.noise) != len(spectrum) {
		c.noise = make([]float64, len(spectrum))
		for k, coeff := range spectrum {
			c.noise[k] = cmplxAbs(coeff)
		}
		c.noiseReady = true
		return
	}
	for k, coeff := range spectrum {
		c.noise[k] = (1-noiseDecay)*c.noise[k] + noiseDecay*cmplxAbs(coeff)
	}
}

// centroidHz computes the spectral centroid of the frame in Hz. Returns 0
// when the spectrum carries no energy.
func (c *Conditioner) centroidHz(spectrum []complex128) float64 {
	var weighted, total float64
	for k, coeff := range spectrum {
		mag := cmplxAbs(coeff)
		freq := c.fft.Freq(k) * float64(c.cfg.SampleRate)
		weighted += freq * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func meanSquare(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		sum += f * f
	}
	return sum / float64(len(frame))
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
