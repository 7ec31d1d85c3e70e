package ipc

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/logfields"
)

const maxConcurrentClients = 64

// Server accepts local clients on a Unix-domain socket (default) or loopback
// TCP address and serves the command/event IPC protocol. It carries no
// business logic of its own: every command is forwarded to Deps.
type Server struct {
	log     *slog.Logger
	deps    *Deps
	bus     *eventbus.Bus
	network string
	address string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	workers  WorkerGroup
}

// New constructs a Server. network is "unix" or "tcp"; address is the socket
// path or host:port.
func New(log *slog.Logger, deps *Deps, bus *eventbus.Bus, network, address string) *Server {
	return &Server{
		log:     log,
		deps:    deps,
		bus:     bus,
		network: network,
		address: address,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.network == "unix" {
		_ = os.Remove(s.address)
	}
	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return ferrors.IPCError("failed to listen on ipc address").
			WithContext("network", s.network).WithContext("address", s.address).Build()
	}
	ln = netutil.LimitListener(ln, maxConcurrentClients)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.workers.Go(func() { s.acceptLoop(ctx, ln) })
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("ipc accept failed", logfields.Error(err))
				return
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		if !s.workers.Go(func() { s.serveConn(ctx, conn) }) {
			// Stop is already draining; refuse the connection outright.
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex

	unsub := s.subscribeEvents(ctx, conn, &writeMu)
	defer unsub()

	for {
		var cmd Command
		if err := readFrame(conn, &cmd); err != nil {
			return
		}

		result, err := s.dispatch(ctx, cmd)

		writeMu.Lock()
		var reply Reply
		if err != nil {
			reply = errorReply(cmd.ID, errorCode(err), err)
		} else {
			reply = okReply(cmd.ID, result)
		}
		werr := writeFrame(conn, reply)
		writeMu.Unlock()
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) (any, error) {
	h, ok := handlers[cmd.Cmd]
	if !ok {
		return nil, ferrors.ValidationError("unknown command").WithContext("cmd", cmd.Cmd).Build()
	}
	return h(ctx, s.deps, cmd.Args)
}

func errorCode(err error) string {
	if classified, ok := ferrors.AsClassified(err); ok {
		switch classified.Category() {
		case ferrors.CategoryValidation:
			return "invalid-args"
		case ferrors.CategoryNotFound:
			return "not-found"
		default:
			return string(classified.Category())
		}
	}
	return "internal"
}

// subscribeEvents relays every known domain event type as a best-effort
// EventFrame push to the connection; returns an unsubscribe func. Subscriptions
// are per-connection, but Bus.Publish waits for every subscriber, so a client
// that stops reading holds up publishers once its channel buffer is full.
func (s *Server) subscribeEvents(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) func() {
	if s.bus == nil {
		return func() {}
	}

	var unsubs []func()
	done := make(chan struct{})

	subscribeProjectRegistered, unsub1 := eventbus.Subscribe[eventbus.ProjectRegistered](s.bus, 16)
	subscribeProjectRemoved, unsub2 := eventbus.Subscribe[eventbus.ProjectRemoved](s.bus, 16)
	subscribeProjectUpdated, unsub3 := eventbus.Subscribe[eventbus.ProjectUpdated](s.bus, 16)
	subscribeTaskEnqueued, unsub4 := eventbus.Subscribe[eventbus.TaskEnqueued](s.bus, 64)
	subscribeTaskDispatched, unsub5 := eventbus.Subscribe[eventbus.TaskDispatched](s.bus, 64)
	subscribeTaskCompleted, unsub6 := eventbus.Subscribe[eventbus.TaskCompleted](s.bus, 64)
	subscribeRateLimitExhausted, unsub7 := eventbus.Subscribe[eventbus.RateLimitExhausted](s.bus, 16)
	subscribeEmergencyStopTriggered, unsub8 := eventbus.Subscribe[eventbus.EmergencyStopTriggered](s.bus, 16)
	subscribeEmergencyStopCleared, unsub9 := eventbus.Subscribe[eventbus.EmergencyStopCleared](s.bus, 16)
	subscribeSessionInvalidated, unsub10 := eventbus.Subscribe[eventbus.SessionInvalidated](s.bus, 16)
	subscribeProjectHealthChanged, unsub11 := eventbus.Subscribe[eventbus.ProjectHealthChanged](s.bus, 16)
	unsubs = append(unsubs, unsub1, unsub2, unsub3, unsub4, unsub5, unsub6, unsub7, unsub8, unsub9, unsub10, unsub11)

	send := func(name string, payload any) {
		writeMu.Lock()
		_ = writeFrame(conn, EventFrame{Event: name, Payload: payload})
		writeMu.Unlock()
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-subscribeProjectRegistered:
				if !ok {
					return
				}
				send("project-registered", e)
			case e, ok := <-subscribeProjectRemoved:
				if !ok {
					return
				}
				send("project-unregistered", e)
			case e, ok := <-subscribeProjectUpdated:
				if !ok {
					return
				}
				send("project-updated", e)
			case e, ok := <-subscribeTaskEnqueued:
				if !ok {
					return
				}
				send("task-enqueued", e)
			case e, ok := <-subscribeTaskDispatched:
				if !ok {
					return
				}
				send("task-dispatched", e)
			case e, ok := <-subscribeTaskCompleted:
				if !ok {
					return
				}
				send("task-completed", e)
			case e, ok := <-subscribeRateLimitExhausted:
				if !ok {
					return
				}
				send("rate-limit-exhausted", e)
			case e, ok := <-subscribeEmergencyStopTriggered:
				if !ok {
					return
				}
				send("emergency-stop", e)
			case e, ok := <-subscribeEmergencyStopCleared:
				if !ok {
					return
				}
				send("emergency-clear", e)
			case e, ok := <-subscribeSessionInvalidated:
				if !ok {
					return
				}
				send("session-invalid", e)
			case e, ok := <-subscribeProjectHealthChanged:
				if !ok {
					return
				}
				send("project-health-changed", e)
			}
		}
	}()

	return func() {
		close(done)
		for _, u := range unsubs {
			u()
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// accept loop and any still-draining connection handlers to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	_ = s.workers.StopAndWait(ctx)
	return nil
}

// IsRunning reports whether the listener is active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}
