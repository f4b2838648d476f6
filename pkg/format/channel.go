package format

import "fmt"

// ConvMatrix is an out_channels x in_channels mixing matrix: each row
// is one output channel's weighted sum of input channels.
//
// Built once per (stream, device) pair and cached on the stream per
// spec.md's description of ChannelConvMatrix.
type ConvMatrix struct {
	OutChannels int
	InChannels  int
	Weights     [][]float32 // Weights[out][in]
}

func newConvMatrix(outCh, inCh int) ConvMatrix {
	w := make([][]float32, outCh)
	for i := range w {
		w[i] = make([]float32, inCh)
	}
	return ConvMatrix{OutChannels: outCh, InChannels: inCh, Weights: w}
}

// substitutionTable holds the legacy channel substitutions consulted
// when an output layout is missing a channel the input format has:
// surrounds fall back to their same-side rear/side counterpart.
var substitutionTable = map[Channel]Channel{
	SL: RL,
	RL: SL,
	SR: RR,
	RR: SR,
}

// downmixWeights gives, for a source channel that has no direct home
// in the output layout, the (destination, weight) pairs used to fold
// it into the channels that do survive. FC is split evenly across
// front-left/front-right so its energy is never silently dropped
// (testable property 7); LFE has no destination in a 2-channel
// downmix and is intentionally omitted.
var downmixWeights = map[Channel][]struct {
	to     Channel
	weight float32
}{
	FC: {{FL, 0.5}, {FR, 0.5}},
	RL: {{FL, 0.707}},
	RR: {{FR, 0.707}},
}

// BuildConvMatrix computes the channel conversion matrix routing in's
// channel layout onto out's. See spec.md §4.3 ("Channel mapping") and
// §8 testable properties 6-7.
func BuildConvMatrix(in, out Format) (ConvMatrix, error) {
	m := newConvMatrix(out.NumChannels, in.NumChannels)

	// Direct pass: channels present in both layouts route 1:1.
	routed := make(map[Channel]bool)
	for ch := Channel(0); ch < NumChannels; ch++ {
		inIdx, outIdx := in.Layout[ch], out.Layout[ch]
		if inIdx == Unset || outIdx == Unset {
			continue
		}
		m.Weights[outIdx][inIdx] = 1.0
		routed[ch] = true
	}

	// Mono source duplicated onto both channels of a stereo sink, per
	// spec.md §4.3's explicit mono -> stereo(FL-only) carve-out.
	if in.NumChannels == 1 && out.NumChannels == 2 {
		for o := 0; o < 2; o++ {
			if isZeroRow(m.Weights[o]) {
				m.Weights[o][0] = 1.0
			}
		}
	}

	// Substitution pass: an output channel with no direct source yet
	// borrows from its legacy substitute (SL<->RL, SR<->RR).
	for ch := Channel(0); ch < NumChannels; ch++ {
		outIdx := out.Layout[ch]
		if outIdx == Unset || !isZeroRow(m.Weights[outIdx]) {
			continue
		}
		sub, ok := substitutionTable[ch]
		if !ok {
			continue
		}
		inIdx := in.Layout[sub]
		if inIdx == Unset {
			continue
		}
		m.Weights[outIdx][inIdx] = 1.0
		routed[sub] = true
	}

	// Downmix pass: any input channel that still routes nowhere folds
	// into the output channels its downmixWeights table names.
	for ch := Channel(0); ch < NumChannels; ch++ {
		inIdx := in.Layout[ch]
		if inIdx == Unset || routed[ch] {
			continue
		}
		for _, dest := range downmixWeights[ch] {
			outIdx := out.Layout[dest.to]
			if outIdx == Unset {
				continue
			}
			m.Weights[outIdx][inIdx] += dest.weight
		}
	}

	if in.Layout[FC] != Unset {
		fcIn := in.Layout[FC]
		if !columnHasWeight(m, fcIn) {
			return ConvMatrix{}, fmt.Errorf("format: front-center channel would be dropped in conversion from %d-ch to %d-ch layout", in.NumChannels, out.NumChannels)
		}
	}

	return m, nil
}

func isZeroRow(row []float32) bool {
	for _, v := range row {
		if v != 0 {
			return false
		}
	}
	return true
}

func columnHasWeight(m ConvMatrix, col int) bool {
	for _, row := range m.Weights {
		if row[col] != 0 {
			return true
		}
	}
	return false
}

// IsPermutation reports whether m has exactly one nonzero entry (equal
// to 1.0) in every row and every column — the shape required when
// input and output use the same channel set (testable property 6).
func (m ConvMatrix) IsPermutation() bool {
	for _, row := range m.Weights {
		if countNonZero(row) != 1 {
			return false
		}
	}
	for c := 0; c < m.InChannels; c++ {
		n := 0
		for r := 0; r < m.OutChannels; r++ {
			if m.Weights[r][c] != 0 {
				n++
			}
		}
		if n != 1 {
			return false
		}
	}
	return true
}

func countNonZero(row []float32) int {
	n := 0
	for _, v := range row {
		if v != 0 {
			n++
		}
	}
	return n
}

// Apply mixes one interleaved input frame into an interleaved output
// frame using m's weights.
func (m ConvMatrix) Apply(in []float32) []float32 {
	frames := len(in) / m.InChannels
	out := make([]float32, frames*m.OutChannels)
	for f := 0; f < frames; f++ {
		inBase := f * m.InChannels
		outBase := f * m.OutChannels
		for o := 0; o < m.OutChannels; o++ {
			var sum float32
			row := m.Weights[o]
			for i := 0; i < m.InChannels; i++ {
				sum += row[i] * in[inBase+i]
			}
			out[outBase+o] = sum
		}
	}
	return out
}
