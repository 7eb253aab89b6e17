package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"

	"github.com/Dryhten/whoAsr/internal/protocol"
)

// Encoding identifies the sample encoding of a raw audio payload.
type Encoding string

const (
	EncodingAuto    Encoding = "auto"
	EncodingFloat32 Encoding = "float32"
	EncodingInt16   Encoding = "int16"
	EncodingInt32   Encoding = "int32"
)

// Float32 amplitude plausibility bounds for auto-detection. A decode whose
// samples persistently land outside |10| was almost certainly not float32.
const (
	implausibleAmplitude = 10.0
	implausibleFraction  = 0.01
)

// Decoder converts raw byte payloads into normalized float32 PCM at a fixed
// target sample rate.
type Decoder struct {
	targetRate int
	strategies []decodeStrategy
}

// decodeStrategy is one entry in the ordered detection list: a predicate plus
// a pure decode function. The first strategy whose predicate accepts the
// payload and whose decode yields plausible samples wins.
type decodeStrategy struct {
	name      string
	applies   func(raw []byte) bool
	decode    func(raw []byte) ([]float32, int, error)
	plausible func(samples []float32) bool
}

// NewDecoder creates a decoder normalizing to the given target sample rate.
func NewDecoder(targetRate int) *Decoder {
	d := &Decoder{targetRate: targetRate}
	d.strategies = []decodeStrategy{
		{
			name:      "wav",
			applies:   hasRIFFMagic,
			decode:    decodeWAV,
			plausible: func([]float32) bool { return true },
		},
		{
			name:      "float32",
			applies:   func(raw []byte) bool { return len(raw)%4 == 0 },
			decode:    func(raw []byte) ([]float32, int, error) { return decodeFloat32(raw), 0, nil },
			plausible: plausibleFloat32,
		},
		{
			name:      "int16",
			applies:   func(raw []byte) bool { return len(raw)%2 == 0 },
			decode:    func(raw []byte) ([]float32, int, error) { return decodeInt16(raw), 0, nil },
			plausible: func([]float32) bool { return true },
		},
		{
			name:      "int32",
			applies:   func(raw []byte) bool { return len(raw)%4 == 0 },
			decode:    func(raw []byte) ([]float32, int, error) { return decodeInt32(raw), 0, nil },
			plausible: func([]float32) bool { return true },
		},
	}
	return d
}

// TargetRate returns the fixed output sample rate.
func (d *Decoder) TargetRate() int {
	return d.targetRate
}

// Decode converts a raw payload into normalized float32 samples at the target
// rate. An empty payload is a no-op returning nil samples. srcRate applies to
// raw PCM encodings only (raw PCM carries no rate metadata); zero means the
// target rate. A declared encoding is decoded directly; EncodingAuto walks
// the ordered strategy list.
func (d *Decoder) Decode(raw []byte, enc Encoding, srcRate int) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if srcRate <= 0 {
		srcRate = d.targetRate
	}

	var samples []float32
	switch enc {
	case EncodingFloat32:
		if len(raw)%4 != 0 {
			return nil, &protocol.DecodeError{Reason: fmt.Sprintf("float32 payload length %d is not a multiple of 4", len(raw))}
		}
		samples = decodeFloat32(raw)
	case EncodingInt16:
		if len(raw)%2 != 0 {
			return nil, &protocol.DecodeError{Reason: fmt.Sprintf("int16 payload length %d is odd", len(raw))}
		}
		samples = decodeInt16(raw)
	case EncodingInt32:
		if len(raw)%4 != 0 {
			return nil, &protocol.DecodeError{Reason: fmt.Sprintf("int32 payload length %d is not a multiple of 4", len(raw))}
		}
		samples = decodeInt32(raw)
	case EncodingAuto, "":
		var err error
		samples, srcRate, err = d.detect(raw, srcRate)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &protocol.DecodeError{Reason: fmt.Sprintf("unknown encoding %q", enc)}
	}

	if srcRate != d.targetRate {
		samples = ResampleLinear(samples, srcRate, d.targetRate)
	}
	return samples, nil
}

// detect walks the ordered strategy list and returns the first plausible
// decode. This is a strategy cascade, not exhaustive validation.
func (d *Decoder) detect(raw []byte, srcRate int) ([]float32, int, error) {
	for _, s := range d.strategies {
		if !s.applies(raw) {
			continue
		}
		samples, rate, err := s.decode(raw)
		if err != nil {
			continue
		}
		if !s.plausible(samples) {
			continue
		}
		if rate == 0 {
			rate = srcRate
		}
		return samples, rate, nil
	}
	return nil, 0, &protocol.DecodeError{Reason: fmt.Sprintf("no decode strategy accepted payload of %d bytes", len(raw))}
}

// hasRIFFMagic reports whether the payload looks like a WAV container.
func hasRIFFMagic(raw []byte) bool {
	return len(raw) >= 12 && bytes.Equal(raw[0:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WAVE"))
}

// decodeWAV decodes a WAV blob into normalized float32 samples plus the
// container's sample rate.
func decodeWAV(raw []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV container")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("failed to read WAV PCM data: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("empty WAV buffer")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	rate := int(dec.SampleRate)
	if rate == 0 && buf.Format != nil {
		rate = buf.Format.SampleRate
	}
	return samples, rate, nil
}

// decodeFloat32 reinterprets little-endian IEEE 754 bytes as samples.
func decodeFloat32(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// decodeInt16 decodes little-endian PCM-16 and normalizes by 32768.
func decodeInt16(raw []byte) []float32 {
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// decodeInt32 decodes little-endian PCM-32 and normalizes by 2^31.
func decodeInt32(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		v := int32(binary.LittleEndian.Uint32(raw[i*4:]))
		samples[i] = float32(float64(v) / 2147483648.0)
	}
	return samples
}

// plausibleFloat32 rejects a float32 interpretation whose amplitudes are
// persistently far outside [-1, 1], or that contains NaN/Inf bit patterns.
func plausibleFloat32(samples []float32) bool {
	if len(samples) == 0 {
		return false
	}
	outliers := 0
	for _, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		if math.Abs(f) > implausibleAmplitude {
			outliers++
		}
	}
	return float64(outliers)/float64(len(samples)) <= implausibleFraction
}

// ResampleLinear resamples float32 PCM from inRate to outRate using linear
// interpolation. Rates equal or invalid input returns a copy of the samples.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(outRate) / float64(inRate)
	outLen := int(float64(len(samples)) * ratio)
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		out[i] = samples[i0] + (samples[i0+1]-samples[i0])*frac
	}
	return out
}

// EncodeFloat32 serializes samples to little-endian IEEE 754 bytes. Used by
// clients and tests to produce payloads in the primary wire encoding.
func EncodeFloat32(samples []float32) []byte {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return raw
}

// EncodeInt16 serializes samples to little-endian PCM-16, clipping to [-1, 1].
func EncodeInt16(samples []float32) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return raw
}
