package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Stream frames envelopes as newline-delimited JSON over a net.Conn.
// Writes are serialized; reads are expected from a single goroutine.
type Stream struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeMu      sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewStream wraps an established connection. readTimeout bounds how long a
// Read blocks waiting for the peer; it should exceed the heartbeat interval.
func NewStream(conn net.Conn, readTimeout, writeTimeout time.Duration) *Stream {
	return &Stream{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Send encodes and writes one message.
func (s *Stream) Send(msg any) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv blocks until the next message arrives. A malformed or unknown frame
// returns an error wrapping ErrMalformed or ErrUnknownType; the connection
// stays usable so the caller can log and keep reading. Only I/O errors mean
// the stream is dead.
func (s *Stream) Recv() (any, error) {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformed, err)
	}
	return Decode(env)
}

// Close tears down the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (s *Stream) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}
