package pacedsocket

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/riverreach/audiocore/pkg/coreerr"
	"github.com/riverreach/audiocore/pkg/format"
	"github.com/riverreach/audiocore/pkg/iodev"
)

// A2dpOps is a uni-directional, write-only PacedSocketIoDev: a PCM
// stream written over a Bluetooth A2DP sink socket, paced to the
// remote's 10ms poll cadence rather than a DMA clock.
type A2dpOps struct {
	log *slog.Logger
	fd  int

	fmt format.Format
	ring *byteRing
	pacer *pacer

	throttleWarned bool
	started        bool
	pendingBuf     []byte

	onSuspend SuspendFunc
}

// NewA2dpOps wraps fd (already connected to the remote sink) as an
// A2DP output device. onSuspend, if non-nil, is called at most once
// per pending window when the link must be torn down.
func NewA2dpOps(fd int, onSuspend SuspendFunc, log *slog.Logger) *A2dpOps {
	if log == nil {
		log = slog.Default()
	}
	return &A2dpOps{fd: fd, onSuspend: onSuspend, log: log.With("component", "a2dp")}
}

func (a *A2dpOps) Fd() int { return a.fd }

func (a *A2dpOps) Configure(f format.Format) error {
	a.fmt = f
	a.pacer = newPacer(f)
	// Ring holds several write_blocks so the mixer can stay ahead of
	// the paced drain without being gated every single tick.
	a.ring = newByteRing(a.pacer.writeBlockBytes() * 4)
	return nil
}

func (a *A2dpOps) Close() error {
	a.started = false
	return unix.Close(a.fd)
}

func (a *A2dpOps) UpdateSupportedFormats() ([]int, []format.SampleFormat, []int) {
	return []int{a.fmt.FrameRate}, []format.SampleFormat{a.fmt.SampleFormat}, []int{a.fmt.NumChannels}
}

// GetBuffer attempts a paced flush first (so the link drains even on
// ticks where the mixer has nothing new), then offers the mixer
// however much ring space that flush freed, capped at one
// write_block.
func (a *A2dpOps) GetBuffer(maxFrames int) (iodev.AudioArea, int, error) {
	a.tryFlush()

	n := maxFrames
	if room := a.ring.Free() / a.fmt.FrameBytes(); n > room {
		n = room
	}
	if n > a.pacer.writeBlockFrames {
		n = a.pacer.writeBlockFrames
	}
	if n <= 0 {
		return iodev.AudioArea{}, 0, nil
	}
	buf := make([]byte, n*a.fmt.FrameBytes())
	a.pendingBuf = buf
	return iodev.AudioArea{
		Channels: []iodev.ChannelArea{{Buf: buf, StepBytes: a.fmt.FrameBytes()}},
		Frames:   n,
	}, n, nil
}

// PutBuffer queues the n frames the mixer wrote into the area
// GetBuffer most recently handed out onto the ring, for the next
// paced flush.
func (a *A2dpOps) PutBuffer(n int) error {
	a.ring.Write(a.pendingBuf[:n*a.fmt.FrameBytes()])
	a.pendingBuf = nil
	return nil
}

func (a *A2dpOps) FlushBuffer() error {
	a.ring.Discard(a.ring.Len())
	return nil
}

func (a *A2dpOps) FramesQueued() (int, time.Time, error) {
	return a.ring.Len() / a.fmt.FrameBytes(), a.pacer.lastWriteTs, nil
}

func (a *A2dpOps) DelayFrames() (int, error) { return a.pacer.BtStackDelayFrames(), nil }

// NoStream primes the ring on entry to a no-stream period so tryFlush
// keeps something to send until a stream reattaches; there is nothing
// to undo on exit since the ring simply runs dry on its own.
func (a *A2dpOps) NoStream(enable bool) error {
	if enable {
		a.ring.Fill(a.pacer.writeBlockBytes())
	}
	return nil
}

func (a *A2dpOps) OutputUnderrun() error {
	// Pad the ring with silence so the paced flush still has
	// something to send on schedule; a starved A2DP link that misses
	// its cadence gets throttled exactly as a real one would.
	a.ring.Fill(a.pacer.writeBlockBytes())
	return nil
}

func (a *A2dpOps) Start() error {
	now := timeNow()
	a.pacer.armJitterBuffer(a.ring, now)
	a.started = true
	return nil
}

func (a *A2dpOps) FramesToPlayInSleep() (int, error) {
	return a.pacer.writeBlockFrames, nil
}

func (a *A2dpOps) IsFreeRunning() bool { return true }

func (a *A2dpOps) UpdateActiveNode(node string) error { return nil }

func (a *A2dpOps) SetVolume(v float32) error { return nil }

// UpdateRemoteDelay feeds a periodic BT-stack delay sync sample into
// the pacer (spec.md §4.5's remote-delay formula).
func (a *A2dpOps) UpdateRemoteDelay(remoteDelayNs int64, totalBytesRead int64, dataPositionTs time.Time) {
	a.pacer.UpdateRemoteDelay(remoteDelayNs, totalBytesRead, dataPositionTs, a.fmt.FrameRate)
}

// tryFlush implements spec.md §4.5's per-tick write scheduling steps
// 1 through 6.
func (a *A2dpOps) tryFlush() {
	now := timeNow()
	a.pacer.armJitterBuffer(a.ring, now)

	if a.pacer.evaluate(now) == flushNone {
		return
	}

	send := a.ring.PeekUpTo(a.pacer.writeBlockBytes())
	if len(send) == 0 {
		return
	}

	n, err := sendNonblocking(a.fd, send)
	if err == nil {
		a.ring.Discard(n)
		a.pacer.onSent(n, a.fmt.FrameRate, now)
		a.throttleWarned = false
		return
	}

	kind, _ := coreerr.As(err)
	switch kind {
	case coreerr.DeviceTransient:
		if a.pacer.onEagain(now) {
			a.requestSuspend(SuspendThrottleTimeout)
		}
	case coreerr.DeviceFatal:
		a.requestSuspend(SuspendSendError)
	}

	if miss := a.pacer.missBy(now); miss >= throttleSevereAt {
		a.log.Error("a2dp write severely throttled", "miss", miss)
	} else if miss >= throttleWarnAt && !a.throttleWarned {
		a.log.Warn("a2dp write throttled", "miss", miss)
		a.throttleWarned = true
	}
}

func (a *A2dpOps) requestSuspend(reason SuspendReason) {
	if a.pacer.suspendRequested {
		return
	}
	a.pacer.suspendRequested = true
	if a.onSuspend != nil {
		a.onSuspend(reason)
	}
}
