package audiothread

import (
	"testing"
	"time"

	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/iodev"
	"github.com/riverreach/audiocore/pkg/shm"
	"github.com/riverreach/audiocore/pkg/stream"
)

type fakeNotifier struct {
	requested []stream.Id
	ready     []stream.Id
}

func (f *fakeNotifier) NotifyDataRequest(id stream.Id) { f.requested = append(f.requested, id) }
func (f *fakeNotifier) NotifyDataReady(id stream.Id)   { f.ready = append(f.ready, id) }

// fakeOutputOps is a minimal playback iodev.Ops that exposes exactly
// what was written via PutBuffer for assertions.
type fakeOutputOps struct {
	fmt        format.Format
	buf        []byte
	lastPut    []byte
	underruns  int
}

func newFakeOutputOps(bufFrames int) *fakeOutputOps { return &fakeOutputOps{buf: make([]byte, 0, bufFrames*8)} }

func (f *fakeOutputOps) Configure(ft format.Format) error {
	f.fmt = ft
	f.buf = make([]byte, cap(f.buf))
	return nil
}
func (f *fakeOutputOps) Close() error { return nil }
func (f *fakeOutputOps) UpdateSupportedFormats() ([]int, []format.SampleFormat, []int) {
	return []int{f.fmt.FrameRate}, []format.SampleFormat{f.fmt.SampleFormat}, []int{f.fmt.NumChannels}
}
func (f *fakeOutputOps) GetBuffer(maxFrames int) (iodev.AudioArea, int, error) {
	frameBytes := f.fmt.FrameBytes()
	n := maxFrames
	if n*frameBytes > len(f.buf) {
		n = len(f.buf) / frameBytes
	}
	return iodev.AudioArea{Channels: []iodev.ChannelArea{{Buf: f.buf[:n*frameBytes], StepBytes: frameBytes}}, Frames: n}, n, nil
}
func (f *fakeOutputOps) PutBuffer(n int) error {
	frameBytes := f.fmt.FrameBytes()
	f.lastPut = append([]byte(nil), f.buf[:n*frameBytes]...)
	return nil
}
func (f *fakeOutputOps) FlushBuffer() error { return nil }
func (f *fakeOutputOps) FramesQueued() (int, time.Time, error) { return 0, time.Now(), nil }
func (f *fakeOutputOps) DelayFrames() (int, error)             { return 0, nil }
func (f *fakeOutputOps) NoStream(enable bool) error             { return nil }
func (f *fakeOutputOps) OutputUnderrun() error                  { f.underruns++; return nil }
func (f *fakeOutputOps) Start() error                           { return nil }
func (f *fakeOutputOps) FramesToPlayInSleep() (int, error)      { return 256, nil }
func (f *fakeOutputOps) IsFreeRunning() bool                    { return false }
func (f *fakeOutputOps) UpdateActiveNode(node string) error      { return nil }
func (f *fakeOutputOps) SetVolume(v float32) error               { return nil }

func testFormat() format.Format {
	return format.Format{SampleFormat: format.S16LE, FrameRate: 48000, NumChannels: 2, Layout: format.DefaultStereoLayout()}
}

func newTestThread(t *testing.T) (*Thread, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	th, err := New(notifier, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return th, notifier
}

// Scenario 1 (spec.md §8): a stream writes a ramp into its shm; the
// audio thread must deliver that exact ramp to the attached output
// device, unduplicated.
func TestServiceOutputDeliversRampInOrder(t *testing.T) {
	th, notifier := newTestThread(t)

	ops := newFakeOutputOps(2048)
	dev := iodev.New(stream.Output, ops)
	if err := dev.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ring, err := shm.New(shm.Config{FrameBytes: testFormat().FrameBytes(), UsedSize: 2048})
	if err != nil {
		t.Fatalf("shm.New: %v", err)
	}
	s := &stream.Stream{
		ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output,
		Format: testFormat(), BufferFrames: 2048, CbThreshold: 512, MinCbLevel: 256,
		Shm: ring,
	}
	if err := dev.AttachStream(s); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}

	const frames = 256
	ramp := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		v := float32(i) / float32(frames)
		ramp[2*i] = v
		ramp[2*i+1] = v
	}
	encoded := format.EncodeSamples(nil, ramp, format.S16LE)
	wbuf, n := ring.AcquireWrite(frames)
	copy(wbuf, encoded)
	ring.CommitWrite(n)

	th.devices[0] = dev
	th.serviceOutput(0, dev)

	if ops.lastPut == nil {
		t.Fatal("expected PutBuffer to have been called with mixed audio")
	}
	decoded := format.DecodeSamples(nil, ops.lastPut, format.S16LE)
	if len(decoded) < len(ramp) {
		t.Fatalf("decoded %d samples, want at least %d", len(decoded), len(ramp))
	}
	for i := range ramp {
		diff := float64(decoded[i] - ramp[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.01 {
			t.Fatalf("sample %d mismatch: got %v want %v", i, decoded[i], ramp[i])
		}
	}
	_ = notifier
}

func TestServiceOutputUnderrunsWhenNoStreamsReady(t *testing.T) {
	th, _ := newTestThread(t)
	ops := newFakeOutputOps(2048)
	dev := iodev.New(stream.Output, ops)
	if err := dev.Configure(testFormat(), 1024, 256, 128); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ring, _ := shm.New(shm.Config{FrameBytes: testFormat().FrameBytes(), UsedSize: 2048})
	s := &stream.Stream{
		ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output,
		Format: testFormat(), BufferFrames: 2048, CbThreshold: 512, MinCbLevel: 256,
		Shm: ring,
	}
	dev.AttachStream(s)

	th.devices[0] = dev
	th.serviceOutput(0, dev)

	if ops.underruns == 0 {
		t.Error("expected output_underrun when no stream had data ready")
	}
}

func TestCommandsProcessInOrder(t *testing.T) {
	th, _ := newTestThread(t)
	ops := newFakeOutputOps(2048)
	dev := iodev.New(stream.Output, ops)
	dev.Configure(testFormat(), 1024, 256, 128)

	addDev := newCommand(CmdAddDevice)
	addDev.Device = dev
	th.cmdCh <- addDev
	th.drainCommands()
	if err := addDev.Wait(); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if len(th.devices) != 1 {
		t.Fatalf("expected 1 device registered, got %d", len(th.devices))
	}

	ring, _ := shm.New(shm.Config{FrameBytes: testFormat().FrameBytes(), UsedSize: 1024})
	s := &stream.Stream{ID: stream.NewId(1, 0), OwnerClient: 1, Direction: stream.Output, Format: testFormat(), BufferFrames: 1024, CbThreshold: 512, MinCbLevel: 256, Shm: ring}

	addStream := newCommand(CmdAddStream)
	addStream.DeviceID = addDev.DeviceID
	addStream.Stream = s
	th.cmdCh <- addStream
	th.drainCommands()
	if err := addStream.Wait(); err != nil {
		t.Fatalf("add stream: %v", err)
	}

	removeStream := newCommand(CmdRemoveStream)
	removeStream.DeviceID = addDev.DeviceID
	removeStream.StreamID = s.ID
	th.cmdCh <- removeStream
	th.drainCommands()
	if err := removeStream.Wait(); err != nil {
		t.Fatalf("remove stream: %v", err)
	}

	if len(th.devices[addDev.DeviceID].AttachedStreams()) != 0 {
		t.Fatal("expected stream removed after CmdRemoveStream")
	}
}
