package format

import "math"

// DecodeSamples unpacks raw wire bytes in the given sample format into
// normalized float32 samples in [-1.0, 1.0], the domain the audio
// thread mixes in.
func DecodeSamples(dst []float32, src []byte, sf SampleFormat) []float32 {
	width := sf.BytesPerSample()
	n := len(src) / width
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		b := src[i*width : i*width+width]
		dst[i] = decodeOne(b, sf)
	}
	return dst
}

// EncodeSamples packs normalized float32 samples back into raw wire
// bytes in the given sample format.
func EncodeSamples(dst []byte, src []float32, sf SampleFormat) []byte {
	width := sf.BytesPerSample()
	need := len(src) * width
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range src {
		encodeOne(dst[i*width:i*width+width], v, sf)
	}
	return dst
}

func decodeOne(b []byte, sf SampleFormat) float32 {
	switch sf {
	case S16LE:
		v := int16(uint16(b[0]) | uint16(b[1])<<8)
		return float32(v) / 32768.0
	case S24LE:
		v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float32(v) / 8388608.0
	case S32LE:
		v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
		return float32(v) / 2147483648.0
	case U8:
		return (float32(b[0]) - 128.0) / 128.0
	default:
		return 0
	}
}

func encodeOne(dst []byte, v float32, sf SampleFormat) {
	clamp := func(f float64) float64 {
		if f > 1.0 {
			return 1.0
		}
		if f < -1.0 {
			return -1.0
		}
		return f
	}
	switch sf {
	case S16LE:
		s := int16(clamp(float64(v)) * 32767.0)
		dst[0] = byte(s)
		dst[1] = byte(s >> 8)
	case S24LE:
		s := int32(clamp(float64(v)) * 8388607.0)
		dst[0] = byte(s)
		dst[1] = byte(s >> 8)
		dst[2] = byte(s >> 16)
	case S32LE:
		s := int32(clamp(float64(v)) * 2147483647.0)
		dst[0] = byte(s)
		dst[1] = byte(s >> 8)
		dst[2] = byte(s >> 16)
		dst[3] = byte(s >> 24)
	case U8:
		s := int(math.Round((clamp(float64(v))*0.5 + 0.5) * 255.0))
		dst[0] = byte(s)
	}
}
