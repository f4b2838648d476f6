package stream

import (
	"testing"

	"github.com/riverreach/audiocore/pkg/format"
)

func testFormat() format.Format {
	return format.Format{
		SampleFormat: format.S16LE,
		FrameRate:    48000,
		NumChannels:  2,
		Layout:       format.DefaultStereoLayout(),
	}
}

func TestIdPacksClientAndSequence(t *testing.T) {
	id := NewId(7, 42)
	if id.ClientID() != 7 {
		t.Errorf("ClientID() = %d, want 7", id.ClientID())
	}
	if id.Sequence() != 42 {
		t.Errorf("Sequence() = %d, want 42", id.Sequence())
	}
}

func TestValidateOrdering(t *testing.T) {
	s := &Stream{
		ID:           NewId(1, 0),
		OwnerClient:  1,
		Format:       testFormat(),
		BufferFrames: 1024,
		CbThreshold:  512,
		MinCbLevel:   256,
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := *s
	bad.CbThreshold = 2000 // cb_threshold > buffer_frames
	if err := bad.Validate(); err == nil {
		t.Error("expected error when cb_threshold exceeds buffer_frames")
	}

	bad2 := *s
	bad2.MinCbLevel = 600 // min_cb_level > cb_threshold
	if err := bad2.Validate(); err == nil {
		t.Error("expected error when min_cb_level exceeds cb_threshold")
	}
}

func TestValidateOwnerMismatch(t *testing.T) {
	s := &Stream{
		ID:           NewId(1, 0),
		OwnerClient:  2, // does not match id's owner bits
		Format:       testFormat(),
		BufferFrames: 1024,
		CbThreshold:  512,
		MinCbLevel:   256,
	}
	if err := s.Validate(); err == nil {
		t.Error("expected error on owner/id mismatch")
	}
}

func TestDirectionIsPlayback(t *testing.T) {
	if !Output.IsPlayback() {
		t.Error("Output should be playback")
	}
	if Input.IsPlayback() {
		t.Error("Input should not be playback")
	}
}
