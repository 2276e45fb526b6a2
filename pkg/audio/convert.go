package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts decoded buffers to a target format. It logs a
// warning on the first format mismatch. Create one per output context; it is
// not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns buf in the target format. A buffer that already matches is
// returned unchanged. Conversion order: resample first, then channel mix.
func (c *FormatConverter) Convert(buf Buffer) Buffer {
	if buf.SampleRate == c.Target.SampleRate && buf.Channels == c.Target.Channels {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(buf.SampleRate, buf.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := buf.Samples
	if buf.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, buf.Channels, buf.SampleRate, c.Target.SampleRate)
	}
	if buf.Channels != c.Target.Channels {
		samples = Remix(samples, buf.Channels, c.Target.Channels)
	}
	return Buffer{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
	}
}

// Resample converts interleaved float samples from srcRate to dstRate using
// linear interpolation. Invalid rates return the input unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := samples[idx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// Remix converts interleaved samples between channel counts. Mono is copied
// to every output channel; going down to mono averages the input channels.
// Other combinations keep the first min(src, dst) channels.
func Remix(samples []float32, srcChannels, dstChannels int) []float32 {
	if srcChannels <= 0 || dstChannels <= 0 || srcChannels == dstChannels {
		return samples
	}
	frames := len(samples) / srcChannels
	out := make([]float32, frames*dstChannels)
	for f := range frames {
		in := samples[f*srcChannels : (f+1)*srcChannels]
		dst := out[f*dstChannels : (f+1)*dstChannels]
		switch {
		case srcChannels == 1:
			for ch := range dst {
				dst[ch] = in[0]
			}
		case dstChannels == 1:
			var sum float32
			for _, s := range in {
				sum += s
			}
			dst[0] = sum / float32(srcChannels)
		default:
			copy(dst, in)
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 || channels <= 0 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
