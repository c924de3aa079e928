package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a Session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateReady         State = "ready"
	StateRestarting    State = "restarting"
	StateFailed        State = "failed"
	StateStopped       State = "stopped"
)

// ErrNotReady is returned for operations while the player is down or
// restarting.
var ErrNotReady = errors.New("engine: session not ready")

// Process is a running player process. The indirection exists so tests can
// stand in for a real child process.
type Process interface {
	// Done yields the process exit error exactly once.
	Done() <-chan error
	Terminate() error
	Kill() error
	Pid() int
}

// Options tune a Session. Zero values fall back to the defaults below.
type Options struct {
	// Binary is the player executable.
	Binary string
	// Args are the player arguments before the control-socket flag.
	Args []string
	// SocketDir holds the per-session control sockets.
	SocketDir string

	RequestTimeout     time.Duration
	SettleDelay        time.Duration
	SocketPollInterval time.Duration
	SocketPollAttempts int
	ShutdownGrace      time.Duration

	// AutoRestart respawns the player on unexpected exit.
	AutoRestart        bool
	RestartBaseDelay   time.Duration
	MaxRestartAttempts int

	// StartProcess overrides process creation for tests.
	StartProcess func(binary string, args []string) (Process, error)
}

func (o *Options) withDefaults() {
	if o.Binary == "" {
		o.Binary = "mpv"
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 300 * time.Millisecond
	}
	if o.SocketPollInterval <= 0 {
		o.SocketPollInterval = 100 * time.Millisecond
	}
	if o.SocketPollAttempts <= 0 {
		o.SocketPollAttempts = 50
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.RestartBaseDelay <= 0 {
		o.RestartBaseDelay = time.Second
	}
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = 3
	}
	if o.StartProcess == nil {
		o.StartProcess = StartProcess
	}
}

// Session owns one persistent player process and its control connection.
// It restarts the player on unexpected exit and reports lifecycle events
// to registered handlers.
type Session struct {
	name   string
	opts   Options
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	proc            Process
	conn            *ipcConn
	socketPath      string
	shuttingDown    bool
	restartAttempts int
	nextObserveID   int64

	handlersMu sync.RWMutex
	handlers   []func(Event)
}

// NewSession builds a session for one zone purpose (screen, audio). The
// player is not spawned until Start.
func NewSession(name string, opts Options, logger *zap.Logger) *Session {
	opts.withDefaults()
	return &Session{
		name:   name,
		opts:   opts,
		state:  StateUninitialized,
		logger: logger.Named("engine").With(zap.String("session", name)),
	}
}

// OnEvent registers a handler for player and session events. Handlers are
// invoked from the session's goroutines and must not block.
func (s *Session) OnEvent(fn func(Event)) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, fn)
	s.handlersMu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.handlersMu.RLock()
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SocketPath reports the control-socket path of the current process.
func (s *Session) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// Start spawns the player and connects its control channel. It returns
// once the session is ready to accept playback operations.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized && s.state != StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("engine: cannot start from state %s", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateReady
	s.restartAttempts = 0
	proc := s.proc
	s.mu.Unlock()

	s.logger.Info("Player ready",
		zap.Int("pid", proc.Pid()),
		zap.String("socket", s.SocketPath()))
	go s.watchExit(proc)
	return nil
}

// launch spawns one player process and connects to its socket. The caller
// manages session state around it.
func (s *Session) launch(ctx context.Context) error {
	socketPath := filepath.Join(s.opts.SocketDir,
		fmt.Sprintf("%s-%s.sock", s.name, uuid.NewString()[:8]))
	os.Remove(socketPath)

	args := append(append([]string{}, s.opts.Args...), "--input-ipc-server="+socketPath)
	proc, err := s.opts.StartProcess(s.opts.Binary, args)
	if err != nil {
		return fmt.Errorf("spawning player: %w", err)
	}
	s.logger.Debug("Player spawned", zap.Int("pid", proc.Pid()), zap.String("socket", socketPath))

	conn, err := s.connect(ctx, socketPath, proc)
	if err != nil {
		proc.Kill()
		os.Remove(socketPath)
		return err
	}

	// Give the player a moment to finish initializing before the first
	// command lands.
	select {
	case <-time.After(s.opts.SettleDelay):
	case <-ctx.Done():
		conn.close()
		proc.Kill()
		os.Remove(socketPath)
		return ctx.Err()
	}

	s.mu.Lock()
	s.proc = proc
	s.conn = conn
	s.socketPath = socketPath
	s.mu.Unlock()
	return nil
}

// connect polls for the control socket to appear, then dials it.
func (s *Session) connect(ctx context.Context, socketPath string, proc Process) (*ipcConn, error) {
	var lastErr error
	for i := 0; i < s.opts.SocketPollAttempts; i++ {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return newIPCConn(conn, s.opts.RequestTimeout, s.emit, s.logger), nil
		}
		lastErr = err

		select {
		case exitErr := <-proc.Done():
			return nil, fmt.Errorf("player exited before socket came up: %v", exitErr)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.SocketPollInterval):
		}
	}
	return nil, fmt.Errorf("control socket never appeared at %s: %w", socketPath, lastErr)
}

// watchExit waits for the current process to exit and kicks off the
// restart sequence when the exit was not requested.
func (s *Session) watchExit(proc Process) {
	exitErr := <-proc.Done()

	s.mu.Lock()
	if s.shuttingDown || s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.state = StateRestarting
	conn := s.conn
	s.conn = nil
	socketPath := s.socketPath
	s.mu.Unlock()

	s.logger.Warn("Player exited unexpectedly", zap.Error(exitErr))
	if conn != nil {
		conn.close()
	}
	os.Remove(socketPath)

	if !s.opts.AutoRestart {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.emit(Event{Kind: EventRestartFailed, Reason: "restart disabled"})
		return
	}
	s.restart()
}

// restart retries the launch with a linearly growing delay until it
// succeeds or the attempt bound is hit. EventRestartFailed fires exactly
// once, on giving up.
func (s *Session) restart() {
	for {
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return
		}
		s.restartAttempts++
		attempt := s.restartAttempts
		s.mu.Unlock()

		if attempt > s.opts.MaxRestartAttempts {
			s.mu.Lock()
			s.state = StateFailed
			s.mu.Unlock()
			s.logger.Error("Giving up on player restart",
				zap.Int("attempts", s.opts.MaxRestartAttempts))
			s.emit(Event{Kind: EventRestartFailed,
				Reason: fmt.Sprintf("%d restart attempts failed", s.opts.MaxRestartAttempts)})
			return
		}

		delay := time.Duration(attempt) * s.opts.RestartBaseDelay
		s.logger.Info("Restarting player",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.launch(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("Player restart attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.state = StateReady
		s.restartAttempts = 0
		proc := s.proc
		s.mu.Unlock()

		s.logger.Info("Player restarted", zap.Int("pid", proc.Pid()))
		go s.watchExit(proc)
		s.emit(Event{Kind: EventRestarted})
		return
	}
}

// Shutdown stops the player and releases the socket. Idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.state = StateStopped
	proc := s.proc
	conn := s.conn
	socketPath := s.socketPath
	s.proc = nil
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			s.logger.Debug("Terminate failed, killing", zap.Error(err))
			proc.Kill()
		}
		select {
		case <-proc.Done():
		case <-time.After(s.opts.ShutdownGrace):
			s.logger.Warn("Player ignored terminate, killing", zap.Int("pid", proc.Pid()))
			proc.Kill()
			select {
			case <-proc.Done():
			case <-time.After(time.Second):
			}
		case <-ctx.Done():
			proc.Kill()
		}
	}
	if socketPath != "" {
		os.Remove(socketPath)
	}
	s.logger.Info("Player stopped")
	return nil
}

// ready returns the live connection or ErrNotReady.
func (s *Session) ready() (*ipcConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.conn == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
	return s.conn, nil
}

// LoadOptions tune how media is loaded.
type LoadOptions struct {
	// Paused loads the file without starting playback.
	Paused bool
	// Loop repeats the file indefinitely.
	Loop bool
}

// LoadMedia replaces the current file with the given one.
func (s *Session) LoadMedia(ctx context.Context, path string, opts LoadOptions) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	loop := "no"
	if opts.Loop {
		loop = "inf"
	}
	if _, err := conn.request(ctx, "set_property", "loop-file", loop); err != nil {
		return fmt.Errorf("setting loop: %w", err)
	}
	if _, err := conn.request(ctx, "set_property", "pause", opts.Paused); err != nil {
		return fmt.Errorf("setting pause: %w", err)
	}
	if _, err := conn.request(ctx, "loadfile", path, "replace"); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Play resumes playback of the loaded file.
func (s *Session) Play(ctx context.Context) error {
	return s.setProperty(ctx, "pause", false)
}

// Pause freezes playback on the current frame.
func (s *Session) Pause(ctx context.Context) error {
	return s.setProperty(ctx, "pause", true)
}

// Stop unloads the current file.
func (s *Session) Stop(ctx context.Context) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	if _, err := conn.request(ctx, "stop"); err != nil {
		return fmt.Errorf("stopping playback: %w", err)
	}
	return nil
}

// SetVolume applies the given player volume.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	return s.setProperty(ctx, "volume", volume)
}

// Duration reports the loaded file's duration in seconds. The property is
// unavailable until the player has parsed the file.
func (s *Session) Duration(ctx context.Context) (float64, error) {
	return s.floatProperty(ctx, "duration")
}

// Position reports the current playback position in seconds.
func (s *Session) Position(ctx context.Context) (float64, error) {
	return s.floatProperty(ctx, "time-pos")
}

// ObserveProperty subscribes to change events for a property and returns
// the observer id carried on those events.
func (s *Session) ObserveProperty(ctx context.Context, name string) (int64, error) {
	conn, err := s.ready()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.nextObserveID++
	id := s.nextObserveID
	s.mu.Unlock()
	if _, err := conn.request(ctx, "observe_property", id, name); err != nil {
		return 0, fmt.Errorf("observing %s: %w", name, err)
	}
	return id, nil
}

// UnobserveProperty cancels a subscription made with ObserveProperty.
func (s *Session) UnobserveProperty(ctx context.Context, id int64) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	if _, err := conn.request(ctx, "unobserve_property", id); err != nil {
		return fmt.Errorf("unobserving %d: %w", id, err)
	}
	return nil
}

func (s *Session) setProperty(ctx context.Context, name string, value any) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	if _, err := conn.request(ctx, "set_property", name, value); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}

func (s *Session) floatProperty(ctx context.Context, name string) (float64, error) {
	conn, err := s.ready()
	if err != nil {
		return 0, err
	}
	data, err := conn.request(ctx, "get_property", name)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", name, err)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, data, err)
	}
	return v, nil
}

// execProcess wraps a real child process.
type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// StartProcess launches a real child process in its own process group.
func StartProcess(binary string, args []string) (Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Done() <-chan error { return p.done }
func (p *execProcess) Pid() int           { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
