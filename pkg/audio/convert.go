package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter normalizes AudioFrames to a target format. It logs a warning on
// the first format mismatch it encounters. Create one per stream; a Converter
// is not safe for shared use across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert brings a frame into the target format. If the source format already
// matches, the frame is returned unchanged with zero allocation. Conversion
// order: downmix first, then resample, so stereo input is never resampled.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio converter: format mismatch, converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.PCM
	channels := frame.Channels
	rate := frame.SampleRate

	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if rate != c.Target.SampleRate {
		pcm = Resample(pcm, rate, c.Target.SampleRate)
		rate = c.Target.SampleRate
	}

	return AudioFrame{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages interleaved L/R sample pairs into a mono signal.
// Uses int32 arithmetic to avoid overflow on the sum.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// Resample converts mono PCM from srcRate to dstRate using linear
// interpolation. Returns the input unchanged when the rates match or the
// input is too short to interpolate.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	dstLen := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := pcm[idx]
		s1 := s0
		if idx+1 < len(pcm) {
			s1 = pcm[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
