package audiothread

import (
	"github.com/riverreach/audiocore/pkg/coreerr"
	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/iodev"
	"github.com/riverreach/audiocore/pkg/stream"
)

// serviceOutput implements spec.md §4.4's output path: fetch from each
// attached stream, mix into the device's scratch region, format
// convert, and write.
func (t *Thread) serviceOutput(deviceID int, dev *iodev.IoDev) {
	area, maxFrames, err := dev.GetBuffer(dev.BufferSize)
	if err != nil {
		t.handleDeviceErr(deviceID, dev, err)
		return
	}
	if maxFrames == 0 {
		return
	}

	scratch := t.scratchFor(deviceID, maxFrames*dev.Format.NumChannels)
	t.mixOps.Mute(scratch)

	mixedAny := false
	for _, s := range dev.AttachedStreams() {
		if s.Shm == nil {
			continue
		}
		if s.NeedsWake() {
			t.notifier.NotifyDataRequest(s.ID)
		}
		if s.FramesAvailable() == 0 {
			continue
		}
		if t.mixStreamIntoOutput(s, dev, scratch, maxFrames) {
			mixedAny = true
		}
	}

	outBytes := format.EncodeSamples(nil, narrow(nil, scratch), dev.Format.SampleFormat)
	copy(area.Channels[0].Buf, outBytes)

	if !mixedAny {
		t.handleDeviceErr(deviceID, dev, dev.OutputUnderrun())
		return
	}
	t.handleDeviceErr(deviceID, dev, dev.PutBuffer(maxFrames))
}

// handleDeviceErr implements spec.md §4.4's device-failure recovery:
// a DeviceFatal error tears the device down and migrates every stream
// it held onto the configured fallback device, rather than dropping
// them silently. Any other error (including nil) is ignored here —
// transient errors are already retried inside the ops themselves.
func (t *Thread) handleDeviceErr(deviceID int, dev *iodev.IoDev, err error) {
	if !coreerr.Is(err, coreerr.DeviceFatal) {
		return
	}
	t.migrateStreamsToFallback(deviceID, dev, err)
}

// migrateStreamsToFallback re-homes every stream attached to a
// DeviceFatal device onto the thread's fallback device (if one has
// been configured via SetFallbackDevice), then closes and forgets the
// failed device. With no fallback configured, streams are dropped
// along with the device rather than left attached to a dead one.
func (t *Thread) migrateStreamsToFallback(deviceID int, dev *iodev.IoDev, cause error) {
	fallback, hasFallback := t.devices[t.fallbackDeviceID]
	if hasFallback && fallback == dev {
		hasFallback = false
	}

	streams := append([]*stream.Stream(nil), dev.AttachedStreams()...)
	for _, s := range streams {
		if err := dev.DetachStream(s.ID); err != nil {
			t.log.Error("detaching stream from failed device", "stream", s.ID, "err", err)
		}
		if !hasFallback {
			continue
		}
		if err := fallback.AttachStream(s); err != nil {
			t.log.Error("migrating stream to fallback device", "stream", s.ID, "err", err)
		}
	}

	dev.Close()
	delete(t.devices, deviceID)
	delete(t.scratch, deviceID)
	t.log.Error("device failed, migrated streams to fallback",
		"device_id", deviceID, "fallback_configured", hasFallback, "streams_migrated", len(streams), "cause", cause)
}

// mixStreamIntoOutput pulls as many frames as are both available from
// s and fit in the device's scratch, converts them to the device's
// channel/rate layout, and accumulates them (scaled by the stream's
// volume) into scratch.
func (t *Thread) mixStreamIntoOutput(s *stream.Stream, dev *iodev.IoDev, scratch []float64, maxFrames int) bool {
	inFrames := maxFrames
	if s.OptionalConverter != nil {
		inFrames = s.OptionalConverter.OutFramesToIn(maxFrames)
	}
	available := s.FramesAvailable()
	if inFrames > available {
		inFrames = available
	}
	if inFrames <= 0 {
		return false
	}

	raw, n := s.Shm.AcquireRead(inFrames)
	if n == 0 {
		return false
	}
	samples := format.DecodeSamples(nil, raw, s.Format.SampleFormat)

	converted := samples
	if s.OptionalConverter != nil {
		converted = s.OptionalConverter.Convert(samples)
	}

	vol := float64(s.Shm.VolumeScaler())
	if s.Shm.Muted() {
		vol = 0
	}

	wide := widen(nil, converted)
	t.mixOps.Scale(wide, vol)

	limit := len(scratch)
	if len(wide) < limit {
		limit = len(wide)
	}
	t.mixOps.Add(scratch[:limit], wide[:limit])

	s.Shm.CommitRead(n)
	if s.NeedsWake() {
		t.notifier.NotifyDataReady(s.ID)
	}
	return true
}

// serviceInput implements spec.md §4.4's input path: get_buffer from
// the device up to the smallest attached stream's free space, then
// distribute (resampled/remixed per-stream) into each stream's
// AudioShm write area.
func (t *Thread) serviceInput(deviceID int, dev *iodev.IoDev) {
	streams := dev.AttachedStreams()
	if len(streams) == 0 {
		return
	}

	maxFrames := dev.BufferSize
	for _, s := range streams {
		if free := s.Shm.Config().UsedSize - s.Shm.FramesQueued(); free < maxFrames {
			maxFrames = free
		}
	}
	if maxFrames <= 0 {
		return
	}

	area, n, err := dev.GetBuffer(maxFrames)
	if err != nil {
		t.handleDeviceErr(deviceID, dev, err)
		return
	}
	if n == 0 {
		return
	}
	captured := format.DecodeSamples(nil, area.Channels[0].Buf, dev.Format.SampleFormat)

	for _, s := range streams {
		samples := captured
		if s.OptionalConverter != nil {
			samples = s.OptionalConverter.Convert(captured)
		}
		raw := format.EncodeSamples(nil, samples, s.Format.SampleFormat)

		frameBytes := s.Format.FrameBytes()
		wantFrames := len(raw) / frameBytes
		dst, got := s.Shm.AcquireWrite(wantFrames)
		copy(dst, raw[:min(len(dst), len(raw))])
		s.Shm.CommitWrite(got)
		s.Shm.SetTimestampNanos(nowUnixNano())

		if s.NeedsWake() {
			t.notifier.NotifyDataReady(s.ID)
		}
	}

	t.handleDeviceErr(deviceID, dev, dev.PutBuffer(n))
}

func (t *Thread) scratchFor(deviceID, size int) []float64 {
	buf := t.scratch[deviceID]
	if cap(buf) < size {
		buf = make([]float64, size)
	}
	buf = buf[:size]
	t.scratch[deviceID] = buf
	return buf
}

func nowUnixNano() int64 { return now().UnixNano() }
