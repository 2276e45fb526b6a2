// Package audio defines the sample types, wire codec and device abstractions
// shared by the capture and playback pipelines.
//
// Upstream audio travels as little-endian 16-bit mono PCM at 16 kHz, wrapped
// in base64 ([EncodedChunk]). Downstream audio arrives as 24 kHz PCM in the
// same encoding and is decoded into float [Buffer] values for playback.
package audio

import "time"

const (
	// InputSampleRate is the capture rate expected by the remote model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesized audio sent by the remote model.
	OutputSampleRate = 24000

	// InputMIMEType tags every upstream chunk.
	InputMIMEType = "audio/pcm;rate=16000"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// EncodedChunk is the wire unit exchanged with the remote model: base64 text
// plus a MIME type that declares the sample format.
type EncodedChunk struct {
	Data     string
	MIMEType string
}

// Buffer is decoded audio ready for playback. Samples are interleaved when
// Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Format returns the sample format of b.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}
