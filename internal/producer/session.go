package producer

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/coral-mesh/memprof/internal/heapdump"
	"github.com/coral-mesh/memprof/internal/safe"
	"github.com/coral-mesh/memprof/internal/wire"
)

// session is one adopted session socket.
type session struct {
	*conn

	id         string
	pid        int
	handshaken bool
	records    uint64
	adopted    time.Time
	heap       *heapdump.Builder
}

// AdoptSocket takes ownership of fd, a session socket received from the
// profiled process, and serves the session on the loop.
func (p *Producer) AdoptSocket(fd int) {
	if err := unix.SetNonblock(fd, true); err != nil {
		p.logger.Error().Err(err).Int("fd", fd).Msg("Failed to set session socket non-blocking")
		_ = unix.Close(fd)
		return
	}

	s := &session{conn: newConn(fd), adopted: time.Now()}
	if err := p.loop.AddFileDescriptorWatch(fd, func() { p.onSessionReadable(s) }); err != nil {
		p.logger.Error().Err(err).Int("fd", fd).Msg("Failed to watch session socket")
		_ = unix.Close(fd)
		return
	}

	p.sessions[fd] = s
	p.stats.SessionsAdopted++
	p.logger.Debug().Int("fd", fd).Int("open_sessions", len(p.sessions)).Msg("Adopted session socket")
}

func (p *Producer) onSessionReadable(s *session) {
	eof, err := s.fill()
	if err != nil {
		p.logger.Warn().Err(err).Str("session_id", s.id).Msg("Session read failed")
	}

	fd := s.fd
	for {
		msg, derr := s.dec.Next()
		if derr != nil {
			p.logger.Error().Err(derr).Str("session_id", s.id).Msg("Malformed session frame")
			p.endSession(s, "malformed frame")
			return
		}
		if msg == nil {
			break
		}
		p.handleSessionMessage(s, msg)
		if p.sessions[fd] != s {
			return
		}
	}

	if eof || err != nil {
		p.endSession(s, "client disconnected")
	}
}

func (p *Producer) handleSessionMessage(s *session, msg *structpb.Struct) {
	typ := wire.Type(msg)

	if !s.handshaken {
		if typ != wire.TypeHello {
			p.rejectSession(s, "expected hello, got "+typ)
			return
		}
		pid := int(wire.Int(msg, "pid"))
		if p.mode == ModeChild && pid != p.target.PID {
			p.rejectSession(s, "pid mismatch")
			return
		}
		// The id names the profile file, so it must be a canonical uuid.
		id, err := uuid.Parse(wire.String(msg, "session_id"))
		if err != nil || id.String() != wire.String(msg, "session_id") {
			p.rejectSession(s, "invalid session id")
			return
		}

		s.handshaken = true
		s.id = id.String()
		s.pid = pid
		if p.cfg.ProfileDir != "" {
			s.heap = heapdump.New(pid, p.samplingInterval)
		}
		p.sendSession(s, wire.TypeAck, wire.Fields{
			"session_id":        s.id,
			"sampling_interval": p.samplingInterval,
		})
		p.logger.Info().Str("session_id", s.id).Int("pid", pid).Msg("Session started")
		p.sendBackend(wire.TypeSessionStarted, wire.Fields{
			"session_id": s.id,
			"pid":        pid,
		})
		return
	}

	switch typ {
	case wire.TypeRecord:
		s.records++
		p.stats.Records++
		if s.heap != nil {
			p.foldRecord(s, msg)
		}
	default:
		p.logger.Warn().Str("type", typ).Str("session_id", s.id).Msg("Unexpected session message")
	}
}

func (p *Producer) rejectSession(s *session, reason string) {
	p.logger.Warn().Str("reason", reason).Msg("Rejecting session")
	p.stats.SessionsRejected++
	p.sendSession(s, wire.TypeReject, wire.Fields{"reason": reason})
	p.endSession(s, reason)
}

func (p *Producer) sendSession(s *session, typ string, fields wire.Fields) {
	if err := s.queue(typ, fields); err != nil {
		p.logger.Error().Err(err).Str("type", typ).Msg("Failed to encode session message")
		return
	}
	p.flushSession(s)
}

func (p *Producer) flushSession(s *session) {
	if p.sessions[s.fd] != s {
		return
	}
	pending, err := s.flush()
	if err != nil {
		p.logger.Debug().Err(err).Str("session_id", s.id).Msg("Session write failed")
		return
	}
	if pending {
		p.loop.PostDelayedTask(func() { p.flushSession(s) }, flushRetry)
	}
}

func (p *Producer) endSession(s *session, reason string) {
	if s.fd < 0 || p.sessions[s.fd] != s {
		return
	}
	delete(p.sessions, s.fd)
	s.close(p.loop)

	if !s.handshaken {
		return
	}
	p.stats.SessionsEnded++
	p.logger.Info().
		Str("session_id", s.id).
		Str("reason", reason).
		Uint64("records", s.records).
		Dur("duration", time.Since(s.adopted)).
		Msg("Session ended")
	p.writeProfile(s)
	records, _ := safe.Uint64ToInt64(s.records)
	p.sendBackend(wire.TypeSessionEnded, wire.Fields{
		"session_id": s.id,
		"pid":        s.pid,
		"records":    records,
	})
}

func (p *Producer) writeProfile(s *session) {
	if s.heap == nil {
		return
	}
	path, err := s.heap.WriteFile(p.cfg.ProfileDir, s.id)
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", s.id).Msg("Failed to write heap profile")
		return
	}
	p.logger.Info().
		Str("session_id", s.id).
		Str("path", path).
		Int("live", s.heap.Live()).
		Msg("Heap profile written")
}

func (p *Producer) foldRecord(s *session, msg *structpb.Struct) {
	addr, ok := wire.Uint(msg, "address")
	if !ok {
		p.logger.Warn().Str("session_id", s.id).Msg("Record without a valid address")
		return
	}
	switch wire.String(msg, "kind") {
	case wire.KindAlloc:
		size, _ := wire.Uint(msg, "size")
		s.heap.Alloc(addr, size)
	case wire.KindFree:
		s.heap.Free(addr)
	}
}
