// Package shm implements the per-stream lock-free PCM ring described in
// spec.md §4.1: a wait-free single-producer/single-consumer double
// buffer backed by shared memory, with a small atomic control header.
//
// The header lives inside the same memory region the acquire/commit
// operations index into, so the identical code path works whether that
// region is an ordinary Go slice (same-process tests) or a memfd-backed
// mmap handed to a real client process (pkg/rclient).
package shm

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// Header layout, in bytes, within the control segment. Only the first
// two fields are set once at construction and never mutated again;
// everything from readBufIdx on is accessed through atomics because it
// crosses the client/server boundary on every service tick.
const (
	offFrameBytes       = 0
	offUsedSizeFrames   = 4
	offReadBufIdx       = 8
	offWriteBufIdx      = 12
	offReadOffset0      = 16
	offReadOffset1      = 20
	offWriteOffset0     = 24
	offWriteOffset1     = 28
	offWriteInProgress  = 32
	offMuted            = 36
	offVolumeScalerBits = 40
	offNumOverrunsLo    = 48 // 8-byte aligned
	offTsNanos          = 56 // 8-byte aligned

	// HeaderSize is the fixed size, in bytes, of the control segment.
	HeaderSize = 64
)

// Config is the static, set-once-at-creation shape of an AudioShm ring:
// the per-frame byte size and the frame capacity of each of the two
// sample buffers.
type Config struct {
	FrameBytes int
	UsedSize   int // frames per buffer
}

// AudioShm is one stream's PCM ring: a control header plus two equally
// sized sample buffers. See spec.md §3 ("AudioShm (per stream)").
type AudioShm struct {
	header  []byte
	samples []byte
	cfg     Config

	// carryOverrun records that the buffer just vacated by a forced
	// flip (flipWriteBuffer) still held unread data at that moment, so
	// the next CommitWrite should re-check it: if nothing has read it
	// by the time the new buffer fills back up, that is a second,
	// independent overrun (spec.md §8's three-full-writes-with-no-reads
	// example). Writer-only state: safe unsynchronized since AudioShm's
	// write side is single-producer.
	carryOverrun bool
}

// New creates an AudioShm over freshly allocated, process-local memory.
// Used for unit tests and for any iodev/audiothread path that doesn't
// need to cross a process boundary (e.g. the loopback device). Real
// client connections go through NewMapped in pkg/rclient instead.
func New(cfg Config) (*AudioShm, error) {
	if cfg.FrameBytes <= 0 || cfg.UsedSize <= 0 {
		return nil, fmt.Errorf("shm: invalid config %+v", cfg)
	}
	header := make([]byte, HeaderSize)
	samples := make([]byte, 2*cfg.UsedSize*cfg.FrameBytes)
	return newFromSegments(header, samples, cfg), nil
}

// NewFromSegments wraps caller-provided header/sample segments (e.g.
// mmap'd memfds) as an AudioShm. The header segment must be at least
// HeaderSize bytes and the samples segment at least
// 2*cfg.UsedSize*cfg.FrameBytes bytes.
func NewFromSegments(header, samples []byte, cfg Config) (*AudioShm, error) {
	if len(header) < HeaderSize {
		return nil, fmt.Errorf("shm: header segment too small: %d < %d", len(header), HeaderSize)
	}
	want := 2 * cfg.UsedSize * cfg.FrameBytes
	if len(samples) < want {
		return nil, fmt.Errorf("shm: samples segment too small: %d < %d", len(samples), want)
	}
	return newFromSegments(header, samples, cfg), nil
}

func newFromSegments(header, samples []byte, cfg Config) *AudioShm {
	s := &AudioShm{header: header, samples: samples, cfg: cfg}
	s.putInt32(offFrameBytes, int32(cfg.FrameBytes))
	s.putInt32(offUsedSizeFrames, int32(cfg.UsedSize))
	s.SetVolumeScaler(1.0)
	return s
}

// Config returns the ring's static frame geometry.
func (s *AudioShm) Config() Config { return s.cfg }

// -------------------------------------------------------------------
// raw atomic accessors over the header segment

func (s *AudioShm) ptr32(off int) *int32 {
	return (*int32)(unsafe.Pointer(&s.header[off]))
}

func (s *AudioShm) ptr64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&s.header[off]))
}

func (s *AudioShm) putInt32(off int, v int32)   { *s.ptr32(off) = v }
func (s *AudioShm) loadInt32(off int) int32     { return atomic.LoadInt32(s.ptr32(off)) }
func (s *AudioShm) storeInt32(off int, v int32) { atomic.StoreInt32(s.ptr32(off), v) }

func (s *AudioShm) readBufIdx() int     { return int(s.loadInt32(offReadBufIdx)) }
func (s *AudioShm) setReadBufIdx(i int) { s.storeInt32(offReadBufIdx, int32(i)) }
func (s *AudioShm) writeBufIdx() int    { return int(s.loadInt32(offWriteBufIdx)) }
func (s *AudioShm) setWriteBufIdx(i int) { s.storeInt32(offWriteBufIdx, int32(i)) }

func (s *AudioShm) readOffsetOff(i int) int {
	if i == 0 {
		return offReadOffset0
	}
	return offReadOffset1
}

func (s *AudioShm) writeOffsetOff(i int) int {
	if i == 0 {
		return offWriteOffset0
	}
	return offWriteOffset1
}

func (s *AudioShm) readOffset(i int) int   { return int(s.loadInt32(s.readOffsetOff(i))) }
func (s *AudioShm) setReadOffset(i, v int) { s.storeInt32(s.readOffsetOff(i), int32(v)) }
func (s *AudioShm) writeOffset(i int) int  { return int(s.loadInt32(s.writeOffsetOff(i))) }

// setWriteOffset publishes a new write offset with release semantics:
// Go's atomic.Store* is sequentially consistent, which satisfies (and
// exceeds) the release-on-commit requirement in spec.md §4.1.
func (s *AudioShm) setWriteOffset(i, v int) { s.storeInt32(s.writeOffsetOff(i), int32(v)) }

func (s *AudioShm) writeInProgress() bool {
	return s.loadInt32(offWriteInProgress) != 0
}

// setWriteInProgress(false) must only ever be called after the
// corresponding write_offset store, per spec.md §9's resolution of the
// "write_in_progress clearing order" open question: publish
// write_offset first, then clear write_in_progress, both with release
// semantics.
func (s *AudioShm) setWriteInProgress(v bool) {
	var i int32
	if v {
		i = 1
	}
	s.storeInt32(offWriteInProgress, i)
}

// NumOverruns returns the monotonically increasing overrun counter
// (spec.md §8 invariant 2).
func (s *AudioShm) NumOverruns() uint64 {
	return uint64(atomic.LoadInt64(s.ptr64(offNumOverrunsLo)))
}

func (s *AudioShm) incNumOverruns() {
	atomic.AddInt64(s.ptr64(offNumOverrunsLo), 1)
}

// VolumeScaler returns the per-stream volume multiplier in [0.0, 1.0].
func (s *AudioShm) VolumeScaler() float32 {
	bits := uint32(s.loadInt32(offVolumeScalerBits))
	return math.Float32frombits(bits)
}

// SetVolumeScaler sets the per-stream volume multiplier.
func (s *AudioShm) SetVolumeScaler(v float32) {
	s.storeInt32(offVolumeScalerBits, int32(math.Float32bits(v)))
}

// Muted reports the stream's mute flag.
func (s *AudioShm) Muted() bool { return s.loadInt32(offMuted) != 0 }

// SetMuted sets the stream's mute flag.
func (s *AudioShm) SetMuted(m bool) {
	var i int32
	if m {
		i = 1
	}
	s.storeInt32(offMuted, i)
}

// SetTimestampNanos records the timestamp of the next sample at
// read_offset (capture) or the next sample to play (playback).
func (s *AudioShm) SetTimestampNanos(ts int64) {
	atomic.StoreInt64(s.ptr64(offTsNanos), ts)
}

// TimestampNanos returns the last timestamp set by SetTimestampNanos.
func (s *AudioShm) TimestampNanos() int64 {
	return atomic.LoadInt64(s.ptr64(offTsNanos))
}

// -------------------------------------------------------------------
// sample-region addressing

func (s *AudioShm) bufferBase(idx int) int {
	return idx * s.cfg.UsedSize * s.cfg.FrameBytes
}

func (s *AudioShm) sampleSlice(idx, frameOffset, frames int) []byte {
	base := s.bufferBase(idx) + frameOffset*s.cfg.FrameBytes
	n := frames * s.cfg.FrameBytes
	return s.samples[base : base+n]
}

// -------------------------------------------------------------------
// producer/consumer protocol (spec.md §4.1)

// AcquireWrite returns the writable region within the current write
// buffer, flipping write buffers (and recording an overrun if the
// reader hasn't kept up) when the current one is full.
func (s *AudioShm) AcquireWrite(maxFrames int) (data []byte, count int) {
	idx := s.writeBufIdx()
	off := s.writeOffset(idx)

	if off >= s.cfg.UsedSize {
		idx = s.flipWriteBuffer(idx)
		off = 0
	}

	avail := s.cfg.UsedSize - off
	count = maxFrames
	if count > avail {
		count = avail
	}
	s.setWriteInProgress(true)
	return s.sampleSlice(idx, off, count), count
}

// flipWriteBuffer moves the write cursor to the other buffer. If the
// reader has not finished the other buffer yet, this is an overrun:
// the reader is forced forward and num_overruns is incremented
// (spec.md §4.1, "Overrun"). The buffer being left behind (cur) keeps
// whatever unread data it holds — carryOverrun marks it so the next
// CommitWrite can tell whether that data was ever read before the ring
// laps it a second time.
func (s *AudioShm) flipWriteBuffer(cur int) int {
	other := 1 - cur
	overran := s.readOffset(other) < s.writeOffset(other)
	if overran {
		s.setReadOffset(other, s.writeOffset(other))
		s.incNumOverruns()
	}
	s.carryOverrun = overran
	s.setWriteOffset(other, 0)
	s.setReadOffset(other, 0)
	s.setWriteBufIdx(other)
	return other
}

// CommitWrite advances write_offset[write_buf_idx] by n and clears
// write_in_progress, publishing the new offset first (release
// semantics) as required by spec.md §9.
//
// If this commit fills the buffer and the previous AcquireWrite forced
// an overrun flip away from its sibling, the sibling is checked again:
// untouched since that flip, it has now been unread across two full
// buffers rather than one, which spec.md §8's worked example ("three
// writes of used_size with no reads yield num_overruns == 2") counts
// as a second overrun.
func (s *AudioShm) CommitWrite(n int) {
	idx := s.writeBufIdx()
	newOff := s.writeOffset(idx) + n
	s.setWriteOffset(idx, newOff)
	s.setWriteInProgress(false)

	if s.carryOverrun && newOff >= s.cfg.UsedSize {
		s.carryOverrun = false
		sibling := 1 - idx
		if s.writeOffset(sibling) >= s.cfg.UsedSize && s.readOffset(sibling) < s.writeOffset(sibling) {
			s.incNumOverruns()
		}
	}
}

// AcquireRead returns the readable region within the current read
// buffer: at most max_frames, and never more than what the writer has
// published.
func (s *AudioShm) AcquireRead(maxFrames int) (data []byte, count int) {
	idx := s.readBufIdx()
	off := s.readOffset(idx)
	avail := s.writeOffset(idx) - off
	if avail < 0 {
		avail = 0
	}
	count = maxFrames
	if count > avail {
		count = avail
	}
	return s.sampleSlice(idx, off, count), count
}

// CommitRead advances read_offset[read_buf_idx] by n. If that leaves
// the buffer fully drained and the writer has already moved on to the
// other buffer, the reader flips to follow it.
func (s *AudioShm) CommitRead(n int) {
	idx := s.readBufIdx()
	newOff := s.readOffset(idx) + n
	s.setReadOffset(idx, newOff)

	if newOff >= s.writeOffset(idx) && s.writeBufIdx() != idx {
		s.setReadBufIdx(1 - idx)
	}
}

// FramesQueued returns the number of frames the writer has published
// but the reader has not yet consumed, summed across both buffers —
// the amount still "in flight" through the ring.
func (s *AudioShm) FramesQueued() int {
	var total int
	for i := 0; i < 2; i++ {
		n := s.writeOffset(i) - s.readOffset(i)
		if n > 0 {
			total += n
		}
	}
	return total
}

// WriteInProgress reports whether a writer currently holds an acquired
// (uncommitted) write region.
func (s *AudioShm) WriteInProgress() bool { return s.writeInProgress() }
