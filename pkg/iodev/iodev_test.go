package iodev

import (
	"testing"

	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/stream"
)

func testFormat() format.Format {
	return format.Format{
		SampleFormat: format.S16LE,
		FrameRate:    48000,
		NumChannels:  2,
		Layout:       format.DefaultStereoLayout(),
	}
}

func TestStateMachineOpenAttachDetachClose(t *testing.T) {
	d := New(stream.Output, NewSilentOps(1024))

	if d.State() != Closed {
		t.Fatalf("initial state = %v, want Closed", d.State())
	}

	if err := d.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if d.State() != Open {
		t.Fatalf("state after Configure = %v, want Open", d.State())
	}

	s := &stream.Stream{ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output, Format: testFormat(), BufferFrames: 1024, CbThreshold: 512, MinCbLevel: 256}
	if err := d.AttachStream(s); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}
	if d.State() != NormalRun {
		t.Fatalf("state after AttachStream = %v, want NormalRun", d.State())
	}

	if err := d.DetachStream(s.ID); err != nil {
		t.Fatalf("DetachStream: %v", err)
	}
	if d.State() != NoStreamRun {
		t.Fatalf("state after DetachStream = %v, want NoStreamRun", d.State())
	}
	if len(d.AttachedStreams()) != 0 {
		t.Fatalf("expected no attached streams, got %d", len(d.AttachedStreams()))
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.State() != Closed {
		t.Fatalf("state after Close = %v, want Closed", d.State())
	}
}

// A NoStreamRun device (no attached streams) must stay NoStreamRun
// across OutputUnderrun calls: there is nothing to "return to
// NormalRun" for, and promoting it anyway would desync AttachStream's
// own no_stream(false) transition on the next real attach.
func TestOutputUnderrunDoesNotPromoteNoStreamRunWithoutStreams(t *testing.T) {
	d := New(stream.Output, NewSilentOps(1024))
	if err := d.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	s := &stream.Stream{ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output, Format: testFormat(), BufferFrames: 1024, CbThreshold: 512, MinCbLevel: 256}
	if err := d.AttachStream(s); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}
	if err := d.DetachStream(s.ID); err != nil {
		t.Fatalf("DetachStream: %v", err)
	}
	if d.State() != NoStreamRun {
		t.Fatalf("state after DetachStream = %v, want NoStreamRun", d.State())
	}

	for i := 0; i < 3; i++ {
		if err := d.OutputUnderrun(); err != nil {
			t.Fatalf("OutputUnderrun: %v", err)
		}
		if d.State() != NoStreamRun {
			t.Fatalf("state after OutputUnderrun #%d = %v, want NoStreamRun (no streams attached)", i, d.State())
		}
	}
}

// A device that still has an attached stream recovers from NoStreamRun
// to NormalRun on the next OutputUnderrun, per spec.md §4.3's default
// underrun behavior. (NoStreamRun with a stream attached doesn't arise
// through AttachStream/DetachStream's own transitions, but the guard in
// OutputUnderrun must still promote it rather than leave it stuck.)
func TestOutputUnderrunPromotesToNormalRunWithStreamsAttached(t *testing.T) {
	d := New(stream.Output, NewSilentOps(1024))
	if err := d.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	s := &stream.Stream{ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output, Format: testFormat(), BufferFrames: 1024, CbThreshold: 512, MinCbLevel: 256}
	d.attachedStreams = append(d.attachedStreams, s)
	d.state = NoStreamRun

	if err := d.OutputUnderrun(); err != nil {
		t.Fatalf("OutputUnderrun: %v", err)
	}
	if d.State() != NormalRun {
		t.Fatalf("state after OutputUnderrun = %v, want NormalRun", d.State())
	}
}

func TestConfigureRejectedWhenNotClosed(t *testing.T) {
	d := New(stream.Output, NewSilentOps(1024))
	if err := d.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := d.Configure(testFormat(), 1024, 256, 128); err == nil {
		t.Fatal("expected error configuring an already-open device")
	}
}

func TestAttachStreamRejectedWhenClosed(t *testing.T) {
	d := New(stream.Output, NewSilentOps(1024))
	s := &stream.Stream{ID: stream.NewId(1, 0), OwnerClient: 1}
	if err := d.AttachStream(s); err == nil {
		t.Fatal("expected error attaching a stream to a closed device")
	}
}

func TestLoopbackDeviceFeedsBackMixedAudio(t *testing.T) {
	ops := NewLoopbackOps(1024)
	if err := ops.Configure(testFormat()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	payload := make([]byte, 64*testFormat().FrameBytes())
	for i := range payload {
		payload[i] = byte(i)
	}
	ops.Feed(payload)

	area, n, err := ops.GetBuffer(64)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if n != 64 {
		t.Fatalf("GetBuffer returned %d frames, want 64", n)
	}
	if len(area.Channels) != 1 || len(area.Channels[0].Buf) != len(payload) {
		t.Fatalf("unexpected area shape: %+v", area)
	}
	for i, b := range area.Channels[0].Buf {
		if b != payload[i] {
			t.Fatalf("loopback data mismatch at byte %d: got %d want %d", i, b, payload[i])
		}
	}

	if err := ops.PutBuffer(n); err != nil {
		t.Fatalf("PutBuffer: %v", err)
	}
	queued, _, _ := ops.FramesQueued()
	if queued != 0 {
		t.Fatalf("expected ring drained after PutBuffer, got %d frames queued", queued)
	}
}

func TestSilentDeviceAlwaysHasData(t *testing.T) {
	ops := NewSilentOps(512)
	if err := ops.Configure(testFormat()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	_, n, err := ops.GetBuffer(256)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if n != 256 {
		t.Fatalf("GetBuffer = %d frames, want 256", n)
	}
}
