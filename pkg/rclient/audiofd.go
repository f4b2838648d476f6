package rclient

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/riverreach/audiocore/pkg/stream"
)

// audioFdMsgID distinguishes the two one-byte-aligned messages spec.md
// §6 defines for the per-stream audio fd protocol.
type audioFdMsgID uint8

const (
	audioFdRequestData audioFdMsgID = iota
	audioFdDataReady
)

// audioFdMsgSize is {id uint8, error int16, frames uint32}, matching
// spec.md §6's "One-byte-aligned {id, error, frames} messages".
const audioFdMsgSize = 1 + 2 + 4

func encodeAudioFdMsg(id audioFdMsgID, errCode int16, frames uint32) []byte {
	buf := make([]byte, audioFdMsgSize)
	buf[0] = byte(id)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(errCode))
	binary.LittleEndian.PutUint32(buf[3:7], frames)
	return buf
}

func decodeAudioFdMsg(buf []byte) (id audioFdMsgID, errCode int16, frames uint32, ok bool) {
	if len(buf) < audioFdMsgSize {
		return 0, 0, 0, false
	}
	id = audioFdMsgID(buf[0])
	errCode = int16(binary.LittleEndian.Uint16(buf[1:3]))
	frames = binary.LittleEndian.Uint32(buf[3:7])
	return id, errCode, frames, true
}

// audioFdTable is the RClient's per-stream audio fd registry: the
// audio thread calls back through audiothread.Notifier with just a
// stream.Id, so something has to own the mapping from that id to the
// actual client socket fd for REQUEST_DATA/DATA_READY delivery. One
// table is shared by every RClient the server accepts.
type audioFdTable struct {
	mu  sync.Mutex
	fds map[stream.Id]int
}

func newAudioFdTable() *audioFdTable {
	return &audioFdTable{fds: make(map[stream.Id]int)}
}

// NewAudioFdTable builds the audio fd registry that doubles as
// audiothread.Notifier: construct one and pass it both to
// audiothread.New and to NewServer, so the thread's DATA_REQUEST/
// DATA_READY calls reach whichever client socket the server registers
// a stream's audio fd under.
func NewAudioFdTable() *audioFdTable {
	return newAudioFdTable()
}

func (t *audioFdTable) register(id stream.Id, fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[id] = fd
}

func (t *audioFdTable) unregister(id stream.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fds, id)
}

func (t *audioFdTable) get(id stream.Id) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.fds[id]
	return fd, ok
}

// NotifyDataRequest implements audiothread.Notifier: send REQUEST_DATA
// on the stream's audio fd (server -> client, playback only).
func (t *audioFdTable) NotifyDataRequest(id stream.Id) {
	t.send(id, audioFdRequestData, 0, 0)
}

// NotifyDataReady implements audiothread.Notifier: send DATA_READY on
// the stream's audio fd (both directions, after buffer work
// completes).
func (t *audioFdTable) NotifyDataReady(id stream.Id) {
	t.send(id, audioFdDataReady, 0, 0)
}

func (t *audioFdTable) send(id stream.Id, kind audioFdMsgID, errCode int16, frames uint32) {
	fd, ok := t.get(id)
	if !ok {
		return
	}
	msg := encodeAudioFdMsg(kind, errCode, frames)
	// EAGAIN here just means the client hasn't drained its previous
	// notification yet; losing a wakeup is harmless since the next
	// service tick re-evaluates NeedsWake.
	unix.Write(fd, msg)
}
