package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"fleet-coordinator/internal/protocol"
)

// ErrWorkerNotConnected is returned by Send for workers with no live session.
var ErrWorkerNotConnected = errors.New("coordinator: worker not connected")

// SessionManager accepts worker connections and owns their read loops. Each
// accepted connection must open with a register message; after that, inbound
// events are dispatched to the coordinator and outbound commands go through
// Send. One session per worker id; a reconnect replaces the old session.
type SessionManager struct {
	coord        *Coordinator
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	ln       net.Listener
}

type session struct {
	workerID string
	stream   *protocol.Stream
}

// NewSessionManager wires the transport to the coordinator. readTimeout must
// exceed the worker heartbeat interval or healthy sessions will churn.
func NewSessionManager(coord *Coordinator, readTimeout, writeTimeout time.Duration) *SessionManager {
	sm := &SessionManager{
		coord:        coord,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		sessions:     make(map[string]*session),
	}
	coord.SetSender(sm)
	return sm
}

// Listen accepts worker connections on addr until the context is cancelled.
func (sm *SessionManager) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	sm.mu.Lock()
	sm.ln = ln
	sm.mu.Unlock()
	log.Printf("sessions: listening for workers on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("sessions: accept: %v", err)
			continue
		}
		go sm.handleConn(ctx, conn)
	}
}

// handleConn runs the lifetime of one worker connection.
func (sm *SessionManager) handleConn(ctx context.Context, conn net.Conn) {
	stream := protocol.NewStream(conn, sm.readTimeout, sm.writeTimeout)

	// The first frame must be a register; anything else drops the connection.
	msg, err := stream.Recv()
	if err != nil {
		log.Printf("sessions: handshake read from %s: %v", stream.RemoteAddr(), err)
		stream.Close()
		return
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		log.Printf("sessions: %s sent %T before register, closing", stream.RemoteAddr(), msg)
		stream.Close()
		return
	}
	if reg.WorkerID == "" {
		log.Printf("sessions: %s registered without a worker id, closing", stream.RemoteAddr())
		stream.Close()
		return
	}

	s := &session{workerID: reg.WorkerID, stream: stream}
	sm.mu.Lock()
	if old, exists := sm.sessions[reg.WorkerID]; exists {
		log.Printf("sessions: worker %s reconnected, replacing old session", reg.WorkerID)
		old.stream.Close()
	}
	sm.sessions[reg.WorkerID] = s
	sm.mu.Unlock()

	sm.coord.HandleRegister(ctx, reg)
	sm.readLoop(ctx, s)
}

// readLoop dispatches inbound frames until the connection dies. Unknown or
// malformed frames are logged and dropped; the session continues.
func (sm *SessionManager) readLoop(ctx context.Context, s *session) {
	defer sm.drop(s)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				log.Printf("sessions: worker %s sent bad frame, dropped: %v", s.workerID, err)
				continue
			}
			log.Printf("sessions: worker %s connection closed: %v", s.workerID, err)
			return
		}

		switch m := msg.(type) {
		case *protocol.Register:
			// Re-register on a live session refreshes the device set.
			sm.coord.HandleRegister(ctx, m)
		case *protocol.Heartbeat:
			sm.coord.HandleHeartbeat(ctx, m)
		case *protocol.JobProgress:
			sm.coord.HandleProgress(ctx, m)
		case *protocol.JobComplete:
			sm.coord.HandleComplete(ctx, m)
		case *protocol.Ping:
			_ = s.stream.Send(protocol.Pong{
				Timestamp:     time.Now().UnixMilli(),
				PingTimestamp: m.Timestamp,
				CorrelationID: m.CorrelationID,
			})
		case *protocol.Pong:
			// Latency probes are fire-and-forget.
		default:
			log.Printf("sessions: worker %s sent unhandled %T, dropped", s.workerID, msg)
		}
	}
}

func (sm *SessionManager) drop(s *session) {
	s.stream.Close()
	sm.mu.Lock()
	if cur, ok := sm.sessions[s.workerID]; ok && cur == s {
		delete(sm.sessions, s.workerID)
	}
	sm.mu.Unlock()
}

// Send delivers one message to a connected worker.
func (sm *SessionManager) Send(workerID string, msg any) error {
	sm.mu.RLock()
	s, ok := sm.sessions[workerID]
	sm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotConnected, workerID)
	}
	return s.stream.Send(msg)
}

// Connected reports whether a worker has a live session.
func (sm *SessionManager) Connected(workerID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.sessions[workerID]
	return ok
}

// NodeCounts reports total and online worker counts for the metrics collector.
// Total is every worker the registry has seen a device from; online is the
// subset with a live session.
func (sm *SessionManager) NodeCounts() (total, online int) {
	seen := make(map[string]bool)
	for _, d := range sm.coord.reg.List() {
		if d.WorkerID != "" {
			seen[d.WorkerID] = true
		}
	}
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for id := range sm.sessions {
		seen[id] = true
	}
	total = len(seen)
	for id := range seen {
		if _, ok := sm.sessions[id]; ok {
			online++
		}
	}
	return total, online
}
