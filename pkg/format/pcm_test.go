package format

import "testing"

func TestEncodeDecodeRoundTripS16LE(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 0.999, -1.0}
	encoded := EncodeSamples(nil, samples, S16LE)
	if len(encoded) != len(samples)*2 {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(samples)*2)
	}
	decoded := DecodeSamples(nil, encoded, S16LE)
	for i := range samples {
		diff := float64(decoded[i] - samples[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.001 {
			t.Errorf("sample %d: got %v, want %v (within quantization)", i, decoded[i], samples[i])
		}
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	encoded := EncodeSamples(nil, []float32{2.0, -2.0}, S16LE)
	decoded := DecodeSamples(nil, encoded, S16LE)
	if decoded[0] < 0.99 {
		t.Errorf("expected clamp to +1.0, got %v", decoded[0])
	}
	if decoded[1] > -0.99 {
		t.Errorf("expected clamp to -1.0, got %v", decoded[1])
	}
}
