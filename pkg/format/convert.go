package format

import "github.com/oov/audio/resampler"

const resampleQuality = 10

// Converter turns frames in one Format into frames in another: channel
// remixing via a ConvMatrix followed by, if the rates differ, a
// per-channel rate resample. Building one is the generalized form of
// the teacher's AudioFormatConversionDevice, minus the channel-pipe
// plumbing (the audio thread drives this synchronously per spec.md
// §4.4, not via goroutine-fed channels).
type Converter struct {
	in, out Format
	matrix  ConvMatrix

	resamplers []*resampler.Resampler // one per output channel, nil if rates match
	planarIn   [][]float32
	planarOut  [][]float32
}

// NewConverter builds a Converter for frames moving from in to out.
// It fails exactly when BuildConvMatrix would (e.g. front-center would
// be dropped).
func NewConverter(in, out Format) (*Converter, error) {
	matrix, err := BuildConvMatrix(in, out)
	if err != nil {
		return nil, err
	}

	c := &Converter{in: in, out: out, matrix: matrix}
	if in.FrameRate != out.FrameRate {
		c.resamplers = make([]*resampler.Resampler, out.NumChannels)
		c.planarIn = make([][]float32, out.NumChannels)
		c.planarOut = make([][]float32, out.NumChannels)
		for ch := 0; ch < out.NumChannels; ch++ {
			c.resamplers[ch] = resampler.New(1, in.FrameRate, out.FrameRate, resampleQuality)
		}
	}
	return c, nil
}

// Identity reports whether this converter is a no-op, i.e. in and out
// describe the same format (spec.md §8: "format conversion is an
// identity when in_format == out_format").
func (c *Converter) Identity() bool {
	return c.in.Equal(c.out)
}

// InFramesToOut estimates how many output frames Convert will produce
// for the given number of input frames.
func (c *Converter) InFramesToOut(inFrames int) int {
	if c.in.FrameRate == c.out.FrameRate {
		return inFrames
	}
	return inFrames * c.out.FrameRate / c.in.FrameRate
}

// OutFramesToIn estimates how many input frames are needed to produce
// the given number of output frames, the planning primitive the audio
// thread uses to size a fetch before a device write (spec.md §4.3).
func (c *Converter) OutFramesToIn(outFrames int) int {
	if c.in.FrameRate == c.out.FrameRate {
		return outFrames
	}
	return outFrames * c.in.FrameRate / c.out.FrameRate
}

// Convert remixes and resamples an interleaved input buffer into an
// interleaved output buffer, both frame-major float32 samples.
func (c *Converter) Convert(in []float32) []float32 {
	if c.Identity() {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	mixed := c.matrix.Apply(in)
	if c.resamplers == nil {
		return mixed
	}

	frames := len(mixed) / c.out.NumChannels
	for ch := 0; ch < c.out.NumChannels; ch++ {
		if cap(c.planarIn[ch]) < frames {
			c.planarIn[ch] = make([]float32, frames)
		}
		c.planarIn[ch] = c.planarIn[ch][:frames]
		for f := 0; f < frames; f++ {
			c.planarIn[ch][f] = mixed[f*c.out.NumChannels+ch]
		}
	}

	outFrames := c.InFramesToOut(frames) + 1
	var written int
	for ch := 0; ch < c.out.NumChannels; ch++ {
		if cap(c.planarOut[ch]) < outFrames {
			c.planarOut[ch] = make([]float32, outFrames)
		}
		c.planarOut[ch] = c.planarOut[ch][:outFrames]
		_, w := c.resamplers[ch].ProcessFloat32(0, c.planarIn[ch], c.planarOut[ch])
		written = w
	}

	out := make([]float32, written*c.out.NumChannels)
	for ch := 0; ch < c.out.NumChannels; ch++ {
		for f := 0; f < written; f++ {
			out[f*c.out.NumChannels+ch] = c.planarOut[ch][f]
		}
	}
	return out
}
