package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// pcmScale maps float samples to the int16 range and back.
const pcmScale = 32768

// EncodeFrame converts float samples to little-endian int16 PCM, base64
// encodes the bytes and tags the chunk with [InputMIMEType].
//
// Each sample is multiplied by 32768 and truncated. Values outside [-1, 1)
// wrap around, including exactly 1.0, which encodes as -32768. Callers that
// care must clamp first.
func EncodeFrame(samples []float32) EncodedChunk {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * pcmScale))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return EncodedChunk{
		Data:     base64.StdEncoding.EncodeToString(buf),
		MIMEType: InputMIMEType,
	}
}

// DecodeChunk reverses [EncodeFrame] for audio received from the model.
// A trailing odd byte or a trailing partial channel frame is dropped.
func DecodeChunk(data string, sampleRate, channels int) (Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Buffer{}, fmt.Errorf("audio: decode: invalid format %s", formatString(sampleRate, channels))
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode: %w", err)
	}
	return DecodePCM16(raw, sampleRate, channels), nil
}

// DecodePCM16 converts raw little-endian int16 PCM into a float [Buffer].
func DecodePCM16(raw []byte, sampleRate, channels int) Buffer {
	frames := len(raw) / 2 / channels
	n := frames * channels
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// EncodePCM16 converts float samples to little-endian int16 PCM, clamping to
// the representable range. It is used for device output where wraparound
// would be audible.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * pcmScale
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
