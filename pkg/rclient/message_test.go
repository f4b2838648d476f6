package rclient

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMessageFramingRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := []byte{1, 2, 3, 4, 5}
	if err := writeMessage(fds[0], MsgDisconnectStream, payload, nil); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	msg, err := readMessage(fds[1], 0)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msg.ID != MsgDisconnectStream {
		t.Errorf("ID = %v, want %v", msg.ID, MsgDisconnectStream)
	}
	if string(msg.Payload) != string(payload) {
		t.Errorf("Payload = %v, want %v", msg.Payload, payload)
	}
	if len(msg.Fds) != 0 {
		t.Errorf("Fds = %v, want none", msg.Fds)
	}
}

func TestMessageFramingCarriesAncillaryFds(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	pipeR, pipeW, err := newPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeW)

	if err := writeMessage(fds[0], MsgConnectStream, []byte{9, 9}, []int{pipeR}); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	unix.Close(pipeR)

	msg, err := readMessage(fds[1], 2)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	defer closeAll(msg.Fds)
	if len(msg.Fds) != 1 {
		t.Fatalf("Fds count = %d, want 1", len(msg.Fds))
	}
}

func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func TestTruncatedFrameLengthClosesAncillaryFds(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	pipeR, pipeW, err := newPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeR)
	defer unix.Close(pipeW)

	before := countOpenFds(t)

	// length field claims fewer bytes than the fixed header itself;
	// an fd rides along as ancillary data anyway, as a client might
	// send the audio fd before the server notices the frame is bad.
	header := make([]byte, fixedHeaderSize)
	if err := writeRawFrame(fds[0], header, []int{pipeR}); err != nil {
		t.Fatalf("writeRawFrame: %v", err)
	}

	if _, err := readMessage(fds[1], 2); err == nil {
		t.Fatal("expected invalid-message error for zero-length frame")
	}

	// SCM_RIGHTS duplicates the fd into this process's table on
	// receipt; readMessage's cleanup must close that duplicate so the
	// open-fd count returns to its pre-send value.
	after := countOpenFds(t)
	if after != before {
		t.Fatalf("open fd count = %d after readMessage, want %d (no leaked duplicate)", after, before)
	}
}

func writeRawFrame(fd int, header []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return unix.Sendmsg(fd, header, oob, nil, 0)
}

func countOpenFds(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot read /proc/self/fd: %v", err)
	}
	return len(entries)
}

func TestDecodeConnectStreamTooShortIsInvalidMessage(t *testing.T) {
	_, err := decodeConnectStream([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestAudioFdMsgEncodeDecodeRoundTrip(t *testing.T) {
	buf := encodeAudioFdMsg(audioFdDataReady, 0, 256)
	id, errCode, frames, ok := decodeAudioFdMsg(buf)
	if !ok {
		t.Fatal("decode failed")
	}
	if id != audioFdDataReady || errCode != 0 || frames != 256 {
		t.Errorf("got id=%v errCode=%v frames=%v", id, errCode, frames)
	}
}
