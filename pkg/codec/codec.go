// Package codec provides the opaque FrameCodec interface spec.md §1
// asks for: SBC/mSBC PLC are out of scope, so BT-transport codecs are
// treated as black boxes that turn PCM frames into wire bytes and
// back. This package supplies that interface plus two concrete
// implementations: Opus (standing in for a real transport codec, same
// vocabulary a real SBC codec would use) and a null codec for devices
// that carry raw PCM.
package codec

import "errors"

// PCMFrame is one buffer of interleaved float32 PCM samples.
type PCMFrame []float32

// EncodedFrame is one buffer of codec wire bytes.
type EncodedFrame []byte

// FrameCodec turns PCM frames into encoded frames and back. Codecs are
// stateful (they carry encoder/decoder state across calls) and are not
// safe for concurrent use — the audio thread owns one codec instance
// per paced device.
type FrameCodec interface {
	Encode(pcm PCMFrame) (EncodedFrame, error)
	Decode(encoded EncodedFrame) (PCMFrame, error)
}

// Kind names a concrete FrameCodec implementation.
type Kind string

const (
	KindNull Kind = "null"
	KindOpus Kind = "opus"
)

var errNotImplemented = errors.New("codec: kind not implemented")

// New constructs a FrameCodec for the given kind, sample rate, and
// channel count.
func New(kind Kind, sampleRate, numChannels int) (FrameCodec, error) {
	switch kind {
	case KindNull:
		return NullCodec{}, nil
	case KindOpus:
		return newOpusCodec(sampleRate, numChannels)
	default:
		return nil, errNotImplemented
	}
}
