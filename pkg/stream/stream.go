// Package stream defines the client-visible audio endpoint: its id,
// direction, negotiated format, and the buffering thresholds the audio
// thread schedules wakeups against.
package stream

import (
	"fmt"

	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/shm"
)

// Id packs the owning client id into the high 16 bits and a per-client
// sequence number into the low 16 bits of a 32-bit identifier, per
// spec.md's StreamId definition.
type Id uint32

// NewId builds a StreamId from a client id and a per-client sequence.
func NewId(clientID uint16, seq uint16) Id {
	return Id(uint32(clientID)<<16 | uint32(seq))
}

// ClientID extracts the owning client id from a StreamId.
func (id Id) ClientID() uint16 { return uint16(uint32(id) >> 16) }

// Sequence extracts the per-client sequence number from a StreamId.
func (id Id) Sequence() uint16 { return uint16(uint32(id)) }

func (id Id) String() string {
	return fmt.Sprintf("stream:%d.%d", id.ClientID(), id.Sequence())
}

// Direction is one of the four stream directions in spec.md's data
// model.
type Direction int

const (
	// Output streams are producers into AudioShm; the server consumes.
	Output Direction = iota
	// Input streams are consumers from AudioShm; the server produces.
	Input
	// PostMixPreDsp taps the device's mixed signal before its DSP chain.
	PostMixPreDsp
	// Loopback taps the device's final mixed output.
	Loopback
)

func (d Direction) String() string {
	switch d {
	case Output:
		return "output"
	case Input:
		return "input"
	case PostMixPreDsp:
		return "post-mix-pre-dsp"
	case Loopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// IsPlayback reports whether the server writes samples for this
// direction (as opposed to consuming them from the client).
func (d Direction) IsPlayback() bool { return d == Output }

// Flags carries the bitmask-style stream flags negotiated at connect
// time (e.g. bypass mixing, hotword-trigger only).
type Flags uint32

const (
	FlagNone          Flags = 0
	FlagBulkAudioIO   Flags = 1 << 0
	FlagHotwordOnly   Flags = 1 << 1
	FlagUnifiedDuplex Flags = 1 << 2
)

// Stream is one client's negotiated audio endpoint, per spec.md's
// Stream entry in §3.
type Stream struct {
	ID                Id
	Direction         Direction
	StreamType        uint32
	ClientType        uint32
	Format            format.Format
	BufferFrames      int
	CbThreshold       int
	MinCbLevel        int
	Flags             Flags
	VolumeScaler      float32
	Shm               *shm.AudioShm
	OwnerClient       uint16
	OptionalConverter *format.Converter
	AttachedDeviceID  int
}

// Validate enforces the ordering invariant from spec.md §3:
// min_cb_level <= cb_threshold <= buffer_frames.
func (s *Stream) Validate() error {
	if s.MinCbLevel > s.CbThreshold {
		return fmt.Errorf("stream: min_cb_level (%d) > cb_threshold (%d)", s.MinCbLevel, s.CbThreshold)
	}
	if s.CbThreshold > s.BufferFrames {
		return fmt.Errorf("stream: cb_threshold (%d) > buffer_frames (%d)", s.CbThreshold, s.BufferFrames)
	}
	if s.OwnerClient != s.ID.ClientID() {
		return fmt.Errorf("stream: owner_client %d does not match stream id owner bits %d", s.OwnerClient, s.ID.ClientID())
	}
	return s.Format.Validate()
}

// FramesAvailable reports how many frames are ready for the audio
// thread to service: queued-but-unread for Output streams (server is
// the reader), and free ring space for Input streams (server is the
// writer).
func (s *Stream) FramesAvailable() int {
	if s.Shm == nil {
		return 0
	}
	switch s.Direction {
	case Output:
		return s.Shm.FramesQueued()
	default:
		cfg := s.Shm.Config()
		return cfg.UsedSize - s.Shm.FramesQueued()
	}
}

// NeedsWake reports whether the stream has crossed cb_threshold in the
// direction that means the client needs prompting: too little data
// queued for playback, or enough data ready for capture.
func (s *Stream) NeedsWake() bool {
	switch s.Direction {
	case Output:
		return s.FramesAvailable() < s.CbThreshold
	default:
		return s.Shm != nil && s.Shm.FramesQueued() >= s.CbThreshold
	}
}
