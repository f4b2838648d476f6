// Package pacedsocket implements the PCM-over-socket IoDev variant
// spec.md §4.5 describes for A2DP and HFP: a sink/source with no DMA
// clock of its own, which must pace its writes (and, for HFP, its
// reads) to match a remote Bluetooth stack's cadence using nothing
// but a socket fd and a poll-driven wakeup.
package pacedsocket

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/riverreach/audiocore/pkg/coreerr"
	"github.com/riverreach/audiocore/pkg/format"
)

// timeNow is overridden in tests so pacing decisions are deterministic
// without sleeping.
var timeNow = time.Now

// SuspendReason identifies why a paced link requested a supervised
// suspend, so the main thread's removed-device callback can log and
// decide whether to retry the link later.
type SuspendReason int

const (
	SuspendThrottleTimeout SuspendReason = iota
	SuspendSendError
)

func (r SuspendReason) String() string {
	switch r {
	case SuspendThrottleTimeout:
		return "throttle_timeout"
	case SuspendSendError:
		return "send_error"
	default:
		return "unknown"
	}
}

// SuspendFunc is called at most once per pending window (coalesced per
// spec.md §9's open question on cras_a2dp_schedule_suspend) to ask the
// main thread to tear the link down.
type SuspendFunc func(reason SuspendReason)

const (
	writeBlockMs     = 10
	throttleWarnAt   = 10 * time.Millisecond
	throttleSevereAt = 2 * time.Second
	eagainSuspendAt  = 5 * time.Second
	fuzz             = time.Millisecond
	defaultBtDelay   = 200 * time.Millisecond
)

// pacer holds the write-scheduling state common to A2DP's uni-
// directional sink and HFP's write half (spec.md §4.5's
// write_block/flush_period/next_flush_time/jitter_init_done fields).
type pacer struct {
	writeBlockFrames int
	frameBytes       int
	flushPeriod      time.Duration
	nextFlushTime    time.Time
	jitterInitDone   bool

	totalWrittenBytes int64
	lastWriteTs       time.Time

	eagainSince     time.Time
	suspendRequested bool

	btStackDelayFrames int
}

func newPacer(f format.Format) *pacer {
	writeBlockFrames := int(round(float64(f.FrameRate) * writeBlockMs / 1000.0))
	if writeBlockFrames <= 0 {
		writeBlockFrames = 1
	}
	return &pacer{
		writeBlockFrames: writeBlockFrames,
		frameBytes:       f.FrameBytes(),
		flushPeriod:      time.Duration(writeBlockFrames) * time.Second / time.Duration(f.FrameRate),
	}
}

func round(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}

func (p *pacer) writeBlockBytes() int { return p.writeBlockFrames * p.frameBytes }

// armJitterBuffer pre-fills one write_block of silence into ring and
// starts the flush clock at now, per spec.md §4.5's configure step.
func (p *pacer) armJitterBuffer(ring *byteRing, now time.Time) {
	if p.jitterInitDone {
		return
	}
	ring.Fill(p.writeBlockBytes())
	p.nextFlushTime = now
	p.jitterInitDone = true
}

// flushDecision is the outcome of one pacing evaluation.
type flushDecision int

const (
	flushNone flushDecision = iota
	flushNow
)

// evaluate implements spec.md §4.5 step 1: before a send is even
// attempted, decide whether the scheduled flush time has arrived.
func (p *pacer) evaluate(now time.Time) flushDecision {
	if now.Before(p.nextFlushTime.Add(-fuzz)) {
		return flushNone
	}
	return flushNow
}

// onSent records a successful send of n bytes (steps 3 of §4.5).
func (p *pacer) onSent(n int, frameRate int, now time.Time) {
	p.totalWrittenBytes += int64(n)
	p.lastWriteTs = now
	frames := n / p.frameBytes
	p.nextFlushTime = p.nextFlushTime.Add(time.Duration(frames) * time.Second / time.Duration(frameRate))
	p.eagainSince = time.Time{}
}

// onEagain records a failed, would-block send (step 5). It reports
// whether the window for a supervised suspend has now elapsed.
func (p *pacer) onEagain(now time.Time) bool {
	if p.eagainSince.IsZero() {
		p.eagainSince = now
		return false
	}
	return now.Sub(p.eagainSince) >= eagainSuspendAt
}

// missBy reports how far behind schedule now is relative to
// nextFlushTime, for the throttle-event thresholds in step 4.
func (p *pacer) missBy(now time.Time) time.Duration {
	if now.Before(p.nextFlushTime) {
		return 0
	}
	return now.Sub(p.nextFlushTime)
}

// UpdateRemoteDelay implements spec.md §4.5's remote-delay formula:
// bt_stack_delay = remote_frames + local_frames_in_flight +
// (last_write_ts - data_position_ts) * rate. A zero data_position_ts
// falls back to a 0.2s default.
func (p *pacer) UpdateRemoteDelay(remoteDelayNs int64, totalBytesRead int64, dataPositionTs time.Time, frameRate int) {
	if dataPositionTs.IsZero() {
		p.btStackDelayFrames = int(defaultBtDelay.Seconds() * float64(frameRate))
		return
	}
	remoteFrames := int((time.Duration(remoteDelayNs) * time.Duration(frameRate)) / time.Second)
	localFramesInFlight := int((p.totalWrittenBytes - totalBytesRead) / int64(p.frameBytes))
	if localFramesInFlight < 0 {
		localFramesInFlight = 0
	}
	lag := p.lastWriteTs.Sub(dataPositionTs)
	p.btStackDelayFrames = remoteFrames + localFramesInFlight + int(lag.Seconds()*float64(frameRate))
}

// BtStackDelayFrames is the current estimate computed by the most
// recent UpdateRemoteDelay call (or the 0.2s default before the first
// one arrives).
func (p *pacer) BtStackDelayFrames() int { return p.btStackDelayFrames }

// sendNonblocking is shared by A2DP and HFP: a best-effort,
// non-blocking socket write classified into the coreerr kinds spec.md
// §7 distinguishes for this path.
func sendNonblocking(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	// SendmsgN (rather than Send) is used because it is the variant of
	// this package's sendto(2) wrapper family that actually reports
	// the partial-write count a stream socket can return under
	// MSG_DONTWAIT; the socket is already connected so the
	// destination sockaddr is nil.
	n, err := unix.SendmsgN(fd, buf, nil, nil, unix.MSG_DONTWAIT)
	if err == nil {
		return n, nil
	}
	switch err {
	case unix.EAGAIN:
		return 0, coreerr.Wrap(coreerr.DeviceTransient, err, "pacedsocket: send EAGAIN")
	case unix.ECONNRESET:
		return 0, coreerr.Wrap(coreerr.DeviceFatal, err, "pacedsocket: send ECONNRESET")
	default:
		return 0, coreerr.Wrap(coreerr.DeviceFatal, err, "pacedsocket: send error")
	}
}

func recvNonblocking(fd int, buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
	if err == nil {
		return n, nil
	}
	switch err {
	case unix.EAGAIN:
		return 0, coreerr.Wrap(coreerr.DeviceTransient, err, "pacedsocket: recv EAGAIN")
	default:
		return 0, coreerr.Wrap(coreerr.DeviceFatal, err, "pacedsocket: recv error")
	}
}

