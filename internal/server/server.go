package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/pkg/errors"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "kiln"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660
)

// Holds server configuration.
type Config struct {
	SocketPath string        // Override for the Unix socket path. Empty uses the default.
	PIDFile    string        // Override for the PID file path. Empty uses the default.
	Backend    build.Backend // Starts the sandboxes of every build.
	Cache      *cache.Store  // Dependency cache shared by every build.
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath string        // Path to the Unix socket file.
	pidFile    string        // Path to the PID file.
	backend    build.Backend // Sandbox backend handed to every build.
	cache      *cache.Store  // Shared dependency cache.
	listener   net.Listener  // Listener for incoming connections.
	startedAt  time.Time     // Timestamp when the server started.
	builds     int           // Total number of build commands processed.
	done       chan struct{} // Closed when the server stops.
	stopOnce   sync.Once     // Guards shutdown against repeated calls.
	mu         sync.Mutex    // Mutex to protect shared state.
}

// Creates a new server instance.
//
// The socket is not opened until [Server.Start] is called.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil || cfg.Cache == nil {
		return nil, errors.Wrap(ErrServer, "backend and cache are required")
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}

	return &Server{
		socketPath: socketPath,
		pidFile:    pidFile,
		backend:    cfg.Backend,
		cache:      cfg.Cache,
		done:       make(chan struct{}),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(ErrServer, "%v", err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(ErrServer, "failed to listen on %s: %v", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the kiln group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errors.Wrapf(ErrServer, "failed to chmod socket %s: %v", socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and removes the socket and PID file. Safe to call
// more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Returns a channel closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Serves every connection on its own goroutine until the listener closes.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err == nil {
			go s.handle(conn)
			continue
		}

		select {
		case <-s.done:
			return
		default:
			slog.Error("accept failed", "error", err)
		}
	}
}

// Serves the single request of conn.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Warn("reading request failed", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdRecipe:
		s.handleRecipe(conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respondError(conn, errors.Wrapf(ErrUnknownCommand, "%q", cmd))
	}
}

func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encoding response failed", "command", cmd, "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		slog.Warn("writing response failed", "command", cmd, "error", err)
	}
}

// Writes an error response. The failed state of a build is carried
// alongside the message.
func (s *Server) respondError(conn net.Conn, err error) {
	res := &protocol.ErrorResult{Message: err.Error()}

	var serr *build.StageError
	if errors.As(err, &serr) {
		res.State = serr.State.String()
	}

	s.respond(conn, protocol.CmdError, res)
}

// Records the daemon PID next to the socket.
func writePID(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(pidFile, strconv.AppendInt(nil, int64(os.Getpid()), 10), paths.DefaultFileMode)
}

// Returns a context canceled once the client hangs up.
//
// A request is a single line, so any further read on r only returns when
// the peer closes its end. The byte read, if any, is discarded. cancel must
// be called to release the watcher.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		var b [1]byte
		r.Read(b[:])
		cancel()
	}()

	return ctx, cancel
}
