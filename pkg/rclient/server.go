package rclient

import (
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/riverreach/audiocore/pkg/audiothread"
	"github.com/riverreach/audiocore/pkg/iodev"
	"github.com/riverreach/audiocore/pkg/stream"
)

// Server is the main thread's accept-and-dispatch loop from spec.md
// §5: it owns the Unix control socket, the table of connected
// RClients, and hands each accepted connection its audio thread and
// device resolver. It never touches AudioShm directly.
type Server struct {
	log      *slog.Logger
	listenFd int
	path     string

	thread  *audiothread.Thread
	devices DeviceResolver

	audioFds *audioFdTable

	mu       sync.Mutex
	clients  map[uint16]*RClient
	nextID   uint16
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer binds a Unix stream socket at path and returns a Server
// ready to Accept connections. path's parent directory must already
// exist; any stale socket file at path is removed first. audioFds must
// be the same table passed as thread's Notifier at construction time
// (see NewAudioFdTable), so that DATA_REQUEST/DATA_READY notifications
// the thread raises for a stream actually reach the client socket the
// server registered for it.
func NewServer(path string, thread *audiothread.Thread, devices DeviceResolver, audioFds *audioFdTable, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "rclient: socket")
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "rclient: bind")
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "rclient: listen")
	}

	return &Server{
		log:      log.With("component", "rclient-server"),
		listenFd: fd,
		path:     path,
		thread:   thread,
		devices:  devices,
		audioFds: audioFds,
		clients:  make(map[uint16]*RClient),
		stopCh:   make(chan struct{}),
	}, nil
}

// Serve accepts connections until Stop is called, dispatching each to
// its own goroutine running RClient.Serve. It returns once the
// listening socket has been closed.
func (srv *Server) Serve(defaultPolicy ClientPolicy) {
	defer srv.cleanup()
	for {
		connFd, _, err := unix.Accept(srv.listenFd)
		if err != nil {
			select {
			case <-srv.stopCh:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			srv.log.Error("accept failed", "err", err)
			return
		}
		srv.handleAccept(connFd, defaultPolicy)
	}
}

func (srv *Server) handleAccept(connFd int, policy ClientPolicy) {
	// connUUID has no wire presence (StreamId/ClientId stay the
	// protocol's packed 32-bit integers); it only threads through log
	// lines so a connection's messages can be grepped out of a shared
	// log file across its lifetime, even after its uint16 id is reused.
	connUUID := uuid.New()
	connLog := srv.log.With("conn_uuid", connUUID)

	srv.mu.Lock()
	id := srv.nextID
	srv.nextID++
	client := New(connFd, id, policy, srv.thread, srv.devices, srv.audioFds, connLog)
	srv.clients[id] = client
	srv.mu.Unlock()

	if err := client.Greet(); err != nil {
		connLog.Error("failed to greet new client", "client_id", id, "err", err)
		srv.removeClient(id)
		unix.Close(connFd)
		return
	}

	go func() {
		client.Serve()
		srv.removeClient(id)
	}()
}

func (srv *Server) removeClient(id uint16) {
	srv.mu.Lock()
	delete(srv.clients, id)
	srv.mu.Unlock()
}

// Stop closes the listening socket, causing Serve to return once it
// unblocks from Accept. Already-accepted clients keep running until
// their own connection closes.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)
		unix.Close(srv.listenFd)
	})
}

func (srv *Server) cleanup() {
	os.Remove(srv.path)
}

// StaticDeviceResolver is the simplest DeviceResolver: a fixed set of
// devices keyed by an opaque stream_type, with an ordered list for
// SwitchStreamTypeIodev's iodev_idx lookups. Deployments with richer
// device enumeration (hot-plug, node priority) supply their own
// DeviceResolver.
type StaticDeviceResolver struct {
	mu      sync.Mutex
	byType  map[uint32]deviceEntry
	ordered []deviceEntry
}

type deviceEntry struct {
	id  int
	dev *iodev.IoDev
}

// NewStaticDeviceResolver builds a DeviceResolver from a fixed
// streamType -> device mapping, also usable via ordinal index for
// SwitchStreamTypeIodev.
func NewStaticDeviceResolver() *StaticDeviceResolver {
	return &StaticDeviceResolver{byType: make(map[uint32]deviceEntry)}
}

// Register associates deviceID/dev with streamType, for
// ResolveDevice, and appends it to the ordinal list DeviceByIndex
// serves.
func (r *StaticDeviceResolver) Register(streamType uint32, deviceID int, dev *iodev.IoDev) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := deviceEntry{id: deviceID, dev: dev}
	r.byType[streamType] = entry
	r.ordered = append(r.ordered, entry)
}

func (r *StaticDeviceResolver) ResolveDevice(streamType uint32, dir stream.Direction) (int, *iodev.IoDev, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byType[streamType]
	if !ok || entry.dev.Direction != dir {
		return 0, nil, false
	}
	return entry.id, entry.dev, true
}

func (r *StaticDeviceResolver) DeviceByIndex(idx int) (int, *iodev.IoDev, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.ordered) {
		return 0, nil, false
	}
	return r.ordered[idx].id, r.ordered[idx].dev, true
}
