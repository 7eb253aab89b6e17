package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/Dryhten/whoAsr/internal/protocol"
)

// makeWAV builds a canonical 44-byte-header mono PCM-16 WAV blob.
func makeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}

func TestDecodeFloat32RoundTrip(t *testing.T) {
	d := NewDecoder(16000)

	samples := []float32{0, 0.25, -0.5, 0.99, -1.0}
	raw := EncodeFloat32(samples)

	decoded, err := d.Decode(raw, EncodingFloat32, 16000)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %f, got %f", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeAutoDetectsFloat32(t *testing.T) {
	d := NewDecoder(16000)

	samples := make([]float32, 256)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10.0 * 2 * math.Pi))
	}
	raw := EncodeFloat32(samples)

	decoded, err := d.Decode(raw, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d: expected %f, got %f", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeAutoRejectsImplausibleFloat32(t *testing.T) {
	d := NewDecoder(16000)

	// int16 PCM whose byte pattern reinterprets to NaN as float32. The
	// cascade must fall through to the int16 interpretation.
	raw := make([]byte, 0, 64)
	for i := 0; i < 16; i++ {
		raw = append(raw, 0xFF, 0xFF, 0xFF, 0x7F) // float32 NaN; int16 pair {-1, 32767}
	}

	decoded, err := d.Decode(raw, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 32 {
		t.Fatalf("Expected 32 int16 samples, got %d", len(decoded))
	}
	want := float32(32767) / 32768.0
	if decoded[1] != want {
		t.Errorf("Expected int16 normalization %f, got %f", want, decoded[1])
	}
}

func TestDecodeAutoOddLengthFallsThroughToInt16(t *testing.T) {
	d := NewDecoder(16000)

	// 3 int16 samples: 6 bytes, not a multiple of 4, so the float32
	// strategy never applies.
	raw := EncodeInt16([]float32{0.5, -0.5, 0.25})

	decoded, err := d.Decode(raw, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(decoded))
	}
	if math.Abs(float64(decoded[0]-0.5)) > 1e-3 {
		t.Errorf("Expected ~0.5, got %f", decoded[0])
	}
}

func TestDecodeWAV(t *testing.T) {
	d := NewDecoder(16000)

	pcm := []int16{0, 16384, -16384, 32767}
	raw := makeWAV(pcm, 16000)

	decoded, err := d.Decode(raw, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Fatalf("Expected %d samples, got %d", len(pcm), len(decoded))
	}
	if math.Abs(float64(decoded[1]-0.5)) > 1e-3 {
		t.Errorf("Expected ~0.5, got %f", decoded[1])
	}
	if math.Abs(float64(decoded[2]+0.5)) > 1e-3 {
		t.Errorf("Expected ~-0.5, got %f", decoded[2])
	}
}

func TestDecodeWAVResamples(t *testing.T) {
	d := NewDecoder(16000)

	pcm := make([]int16, 800) // 100ms at 8 kHz
	for i := range pcm {
		pcm[i] = 1000
	}
	raw := makeWAV(pcm, 8000)

	decoded, err := d.Decode(raw, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 1600 {
		t.Errorf("Expected 1600 samples after resampling to 16 kHz, got %d", len(decoded))
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	d := NewDecoder(16000)

	decoded, err := d.Decode(nil, EncodingAuto, 0)
	if err != nil {
		t.Fatalf("Expected nil error for empty payload, got %v", err)
	}
	if decoded != nil {
		t.Errorf("Expected nil samples for empty payload, got %d", len(decoded))
	}
}

func TestDecodeDeclaredEncodingLengthErrors(t *testing.T) {
	d := NewDecoder(16000)

	tests := []struct {
		name string
		raw  []byte
		enc  Encoding
	}{
		{"odd int16", []byte{1, 2, 3}, EncodingInt16},
		{"short float32", []byte{1, 2, 3}, EncodingFloat32},
		{"short int32", []byte{1, 2, 3, 4, 5}, EncodingInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.raw, tt.enc, 0)
			var decErr *protocol.DecodeError
			if !errors.As(err, &decErr) {
				t.Errorf("Expected DecodeError, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownEncoding(t *testing.T) {
	d := NewDecoder(16000)

	_, err := d.Decode([]byte{1, 2, 3, 4}, Encoding("mp3"), 0)
	var decErr *protocol.DecodeError
	if !errors.As(err, &decErr) {
		t.Errorf("Expected DecodeError for unknown encoding, got %v", err)
	}
}

func TestDecodeInt32Normalization(t *testing.T) {
	d := NewDecoder(16000)

	raw := make([]byte, 8)
	minInt32 := int32(-1 << 31)
	binary.LittleEndian.PutUint32(raw[0:], uint32(int32(1<<30)))
	binary.LittleEndian.PutUint32(raw[4:], uint32(minInt32))

	decoded, err := d.Decode(raw, EncodingInt32, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if math.Abs(float64(decoded[0]-0.5)) > 1e-6 {
		t.Errorf("Expected 0.5, got %f", decoded[0])
	}
	if decoded[1] != -1.0 {
		t.Errorf("Expected -1.0, got %f", decoded[1])
	}
}

func TestResampleLinear(t *testing.T) {
	in := []float32{0, 1, 0, -1}

	same := ResampleLinear(in, 16000, 16000)
	if len(same) != len(in) {
		t.Errorf("Expected unchanged length %d, got %d", len(in), len(same))
	}

	up := ResampleLinear(in, 8000, 16000)
	if len(up) != 8 {
		t.Errorf("Expected 8 samples after 2x upsampling, got %d", len(up))
	}
	if up[0] != 0 {
		t.Errorf("Expected first sample preserved, got %f", up[0])
	}
	if math.Abs(float64(up[1]-0.5)) > 1e-6 {
		t.Errorf("Expected interpolated 0.5, got %f", up[1])
	}

	constant := ResampleLinear([]float32{0.3, 0.3, 0.3, 0.3}, 48000, 16000)
	for i, s := range constant {
		if math.Abs(float64(s-0.3)) > 1e-6 {
			t.Errorf("Sample %d: expected constant 0.3, got %f", i, s)
		}
	}
}

func TestEncodeInt16RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1.0, -1.0}

	raw := EncodeInt16(samples)
	decoded := decodeInt16(raw)

	for i := range samples {
		if math.Abs(float64(decoded[i]-samples[i])) > 1e-3 {
			t.Errorf("Sample %d: expected ~%f, got %f", i, samples[i], decoded[i])
		}
	}
}
