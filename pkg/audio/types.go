// Package audio defines the PCM primitives shared by the ingestion adapters
// and the captioning pipeline.
//
// The pipeline core operates on 16 kHz mono signed 16-bit PCM. Adapters that
// receive audio in other formats (e.g., 48 kHz stereo Opus decode output from
// Discord) use [Converter] to bring frames into the core format before
// handing them to a pipeline.
package audio

import "time"

// AudioFrame is a span of PCM samples flowing from an ingestion adapter
// toward a captioning pipeline.
type AudioFrame struct {
	// PCM holds signed 16-bit samples. Stereo data is interleaved L/R.
	PCM []int16

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for the core).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
