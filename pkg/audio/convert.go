package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter converts frames to a target format. It logs a warning the
// first time it sees a frame that does not already match the target.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Channels are folded down before resampling so only mono data is resampled
// when the target is mono.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := frame.Samples
	channels := frame.Channels

	if channels != c.Target.Channels {
		switch {
		case channels > 1 && c.Target.Channels == 1:
			samples = DownmixToMono(samples, channels)
		case channels == 1 && c.Target.Channels == 2:
			samples = MonoToStereo(samples)
		}
		channels = c.Target.Channels
	}

	rate := frame.SampleRate
	if rate != c.Target.SampleRate {
		if channels == 1 {
			samples = ResampleMono(samples, rate, c.Target.SampleRate)
		} else {
			samples = resampleInterleaved(samples, channels, rate, c.Target.SampleRate)
		}
		rate = c.Target.SampleRate
	}

	return AudioFrame{Samples: samples, SampleRate: rate, Channels: channels}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(samples []int16) []int16 {
	return DownmixToMono(samples, 2)
}

// DownmixToMono averages every group of channels interleaved samples into a
// single mono sample. Uses int32 arithmetic and clamps to the int16 range.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	return resampleInterleaved(samples, 1, srcRate, dstRate)
}

func resampleInterleaved(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcRate == dstRate || srcFrames == 0 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range channels {
			s0 := float64(samples[srcIdx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
