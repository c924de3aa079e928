// Package enginetest provides an in-process stand-in for the media player:
// a line-delimited JSON server on a unix socket plus a scriptable process
// handle.
package enginetest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Server accepts control-channel connections and answers commands from a
// property table, recording everything it is asked.
type Server struct {
	path string
	ln   net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	commands [][]any
	props    map[string]any
	fail     map[string]string
	closed   bool
}

// Start listens on the given unix socket path and serves until Close.
func Start(path string) (*Server, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &Server{
		path:  path,
		ln:    ln,
		props: make(map[string]any),
		fail:  make(map[string]string),
	}
	go s.acceptLoop()
	return s, nil
}

// SetProperty seeds a property value returned by get_property.
func (s *Server) SetProperty(name string, value any) {
	s.mu.Lock()
	s.props[name] = value
	s.mu.Unlock()
}

// FailCommand makes the named command answer with the given error string.
func (s *Server) FailCommand(name, errMsg string) {
	s.mu.Lock()
	s.fail[name] = errMsg
	s.mu.Unlock()
}

// Commands returns every command received so far.
func (s *Server) Commands() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]any, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandNames returns the first element of every received command.
func (s *Server) CommandNames() []string {
	var names []string
	for _, cmd := range s.Commands() {
		if len(cmd) > 0 {
			if name, ok := cmd[0].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// SendEvent pushes an unsolicited frame to every connected client.
func (s *Server) SendEvent(fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	s.mu.Lock()
	conns := make([]net.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, conn := range conns {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	s.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		reply := s.handle(req.Command)
		reply["request_id"] = req.RequestID
		payload, _ := json.Marshal(reply)
		conn.Write(append(payload, '\n'))
	}
}

func (s *Server) handle(cmd []any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	name, _ := cmd[0].(string)
	if errMsg, ok := s.fail[name]; ok {
		return map[string]any{"error": errMsg}
	}
	switch name {
	case "get_property":
		prop, _ := cmd[1].(string)
		v, ok := s.props[prop]
		if !ok {
			return map[string]any{"error": "property unavailable"}
		}
		return map[string]any{"error": "success", "data": v}
	case "set_property":
		prop, _ := cmd[1].(string)
		s.props[prop] = cmd[2]
		return map[string]any{"error": "success"}
	default:
		return map[string]any{"error": "success"}
	}
}

// SocketPath extracts the control-socket path from player arguments, or
// returns an error if the flag is absent.
func SocketPath(args []string) (string, error) {
	const flag = "--input-ipc-server="
	for _, arg := range args {
		if strings.HasPrefix(arg, flag) {
			return strings.TrimPrefix(arg, flag), nil
		}
	}
	return "", fmt.Errorf("no %s flag in %v", flag, args)
}

// FakeProcess is a scriptable Process.
type FakeProcess struct {
	done chan error

	mu         sync.Mutex
	exited     bool
	terminated bool
	killed     bool
}

func NewFakeProcess() *FakeProcess {
	return &FakeProcess{done: make(chan error, 1)}
}

func (p *FakeProcess) Done() <-chan error { return p.done }
func (p *FakeProcess) Pid() int           { return 4242 }

// Exit makes the process report the given exit error. Later calls are
// ignored.
func (p *FakeProcess) Exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.done <- err
	close(p.done)
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.Exit(nil)
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(nil)
	return nil
}

// Terminated reports whether Terminate was called.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
