// Package backend implements a minimal tracing backend for memprof producers.
//
// The server listens on the producer socket, tracks every registered
// producer by target PID, starts and stops the heap data source on request
// and publishes session lifecycle events.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/coral-mesh/memprof/internal/retry"
	"github.com/coral-mesh/memprof/internal/wire"
)

const eventBufferSize = 256

// ErrUnknownProducer is returned when no producer is registered for a PID.
var ErrUnknownProducer = errors.New("no producer registered for pid")

// EventType names a backend event.
type EventType string

const (
	EventRegistered     EventType = "registered"
	EventDisconnected   EventType = "disconnected"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
)

// Event is a producer or session lifecycle event.
type Event struct {
	Type      EventType
	PID       int
	SessionID string
	Records   int64
	Time      time.Time
}

// ProducerInfo describes a registered producer.
type ProducerInfo struct {
	PID          int
	Cmdline      string
	Mode         string
	Version      string
	DataSource   string
	RegisteredAt time.Time
	Sessions     int
}

type producerConn struct {
	info ProducerInfo
	conn net.Conn
	// writeMu serializes frames written to conn.
	writeMu sync.Mutex
}

func (p *producerConn) send(typ string, fields wire.Fields) error {
	msg, err := wire.NewMessage(typ, fields)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteFrame(p.conn, msg)
}

// Server is the backend producer endpoint.
type Server struct {
	logger   zerolog.Logger
	listener *net.UnixListener
	path     string

	mu        sync.RWMutex
	producers map[int]*producerConn
	conns     map[net.Conn]struct{}

	events chan Event
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewServer listens on the unix socket at path, replacing a stale socket file.
func NewServer(path string, logger zerolog.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	return &Server{
		logger:    logger.With().Str("component", "backend").Logger(),
		listener:  listener,
		path:      path,
		producers: make(map[int]*producerConn),
		conns:     make(map[net.Conn]struct{}),
		events:    make(chan Event, eventBufferSize),
		closed:    make(chan struct{}),
	}, nil
}

// Addr returns the producer socket path.
func (s *Server) Addr() string {
	return s.path
}

// Events returns the event stream. Events are dropped when nobody keeps up.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Serve accepts producers until ctx is cancelled or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()

	s.logger.Info().Str("socket", s.path).Msg("Backend listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting and drops every producer connection.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// Producers returns the registered producers ordered by PID.
func (s *Server) Producers() []ProducerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProducerInfo, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// RequestDataSource starts the heap data source for pid, waiting for its
// producer to register if needed.
func (s *Server) RequestDataSource(ctx context.Context, pid int, samplingInterval int64) error {
	cfg := retry.Config{
		MaxRetries:     50,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Jitter:         0.1,
	}

	return retry.Do(ctx, cfg, func() error {
		p := s.lookup(pid)
		if p == nil {
			return fmt.Errorf("%w %d", ErrUnknownProducer, pid)
		}
		return p.send(wire.TypeStartDataSource, wire.Fields{
			"target_pid":        pid,
			"sampling_interval": samplingInterval,
		})
	}, func(err error) bool {
		return errors.Is(err, ErrUnknownProducer)
	})
}

// StopDataSource stops the heap data source for pid.
func (s *Server) StopDataSource(pid int) error {
	p := s.lookup(pid)
	if p == nil {
		return fmt.Errorf("%w %d", ErrUnknownProducer, pid)
	}
	return p.send(wire.TypeStopDataSource, nil)
}

func (s *Server) lookup(pid int) *producerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.producers[pid]
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	var registered *producerConn
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		if registered != nil && s.producers[registered.info.PID] == registered {
			delete(s.producers, registered.info.PID)
		}
		s.mu.Unlock()
		if registered != nil {
			s.logger.Info().Int("pid", registered.info.PID).Msg("Producer disconnected")
			s.emit(Event{Type: EventDisconnected, PID: registered.info.PID})
		}
	}()

	r := bufio.NewReader(conn)
	for {
		msg, err := wire.ReadFrame(r)
		if err != nil {
			return
		}

		if registered == nil {
			if wire.Type(msg) != wire.TypeRegister {
				s.logger.Warn().Str("type", wire.Type(msg)).Msg("Producer sent data before registering")
				return
			}
			registered = s.register(conn, msg)
			continue
		}
		s.handleMessage(registered, msg)
	}
}

func (s *Server) register(conn net.Conn, msg *structpb.Struct) *producerConn {
	p := &producerConn{
		conn: conn,
		info: ProducerInfo{
			PID:          int(wire.Int(msg, "pid")),
			Cmdline:      wire.String(msg, "cmdline"),
			Mode:         wire.String(msg, "mode"),
			Version:      wire.String(msg, "version"),
			DataSource:   wire.String(msg, "data_source"),
			RegisteredAt: time.Now(),
		},
	}

	s.mu.Lock()
	s.producers[p.info.PID] = p
	s.mu.Unlock()

	s.logger.Info().
		Int("pid", p.info.PID).
		Str("cmdline", p.info.Cmdline).
		Str("mode", p.info.Mode).
		Msg("Producer registered")
	s.emit(Event{Type: EventRegistered, PID: p.info.PID})
	return p
}

func (s *Server) handleMessage(p *producerConn, msg *structpb.Struct) {
	pid := p.info.PID
	switch wire.Type(msg) {
	case wire.TypeSessionStarted:
		s.mu.Lock()
		p.info.Sessions++
		s.mu.Unlock()
		s.logger.Info().Int("pid", pid).Str("session_id", wire.String(msg, "session_id")).Msg("Session started")
		s.emit(Event{Type: EventSessionStarted, PID: pid, SessionID: wire.String(msg, "session_id")})

	case wire.TypeSessionEnded:
		s.mu.Lock()
		p.info.Sessions--
		s.mu.Unlock()
		s.logger.Info().
			Int("pid", pid).
			Str("session_id", wire.String(msg, "session_id")).
			Int64("records", wire.Int(msg, "records")).
			Msg("Session ended")
		s.emit(Event{
			Type:      EventSessionEnded,
			PID:       pid,
			SessionID: wire.String(msg, "session_id"),
			Records:   wire.Int(msg, "records"),
		})

	default:
		s.logger.Warn().Int("pid", pid).Str("type", wire.Type(msg)).Msg("Unexpected producer message")
	}
}

func (s *Server) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", string(ev.Type)).Msg("Event buffer full, dropping event")
	}
}
