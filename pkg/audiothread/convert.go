package audiothread

// widen copies a float32 interleaved buffer into a reusable float64
// scratch buffer, growing dst if needed.
func widen(dst []float64, src []float32) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

// narrow copies a float64 scratch buffer back down to float32, the
// format AudioShm and IoDev deal in.
func narrow(dst []float32, src []float64) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}
