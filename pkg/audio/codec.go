package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// CodecError reports malformed inbound audio. It is always recoverable: the
// offending chunk is dropped and the session continues.
type CodecError struct {
	// Length is the byte length of the rejected payload.
	Length int

	// Channels is the declared channel count.
	Channels int

	// Reason describes what was wrong.
	Reason string
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("audio codec: %s (bytes=%d, channels=%d)", e.Reason, e.Length, e.Channels)
}

// Encode converts samples into a wire packet tagged with sampleRate. It never
// fails; an empty input yields a packet with zero data bytes.
func Encode(samples []int16, sampleRate int) EncodedPacket {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return EncodedPacket{Data: data, MIMEType: MIMEType(sampleRate)}
}

// Decode reconstructs an [AudioFrame] from little-endian s16 PCM bytes. It
// returns a [*CodecError] when channels is not positive or when the byte
// length is not a multiple of 2×channels.
func Decode(data []byte, channels, sampleRate int) (AudioFrame, error) {
	if channels < 1 {
		return AudioFrame{}, &CodecError{Length: len(data), Channels: channels, Reason: "channel count must be positive"}
	}
	if len(data)%(BytesPerSample*channels) != 0 {
		return AudioFrame{}, &CodecError{Length: len(data), Channels: channels, Reason: "length is not a whole number of sample frames"}
	}
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// FloatToPCM16 scales float samples in [-1, 1] by 32768 and clamps the result
// into the int16 range, so a full-scale +1.0 maps to 32767 instead of wrapping.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		s := v * 32768
		switch {
		case s >= 32767:
			out[i] = 32767
		case s <= -32768:
			out[i] = -32768
		default:
			out[i] = int16(s)
		}
	}
	return out
}

// PCM16ToFloat scales int16 samples by 1/32768.
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// Base64 returns the standard base64 encoding of the packet payload, the
// form used by JSON transports.
func (p EncodedPacket) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DecodeBase64 decodes a base64 audio payload received from a JSON transport.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio codec: base64: %w", err)
	}
	return b, nil
}
