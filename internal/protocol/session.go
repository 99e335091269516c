package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultHandshakeGrace = 250 * time.Millisecond
	readChunkSize         = 32 * 1024
)

// EmitFunc receives every request framed by a Session. It may be called from
// the reader goroutine and, once, from the handshake grace timer.
type EmitFunc func(Request)

type SessionOption func(*Session)

func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithHandshakeGrace(d time.Duration) SessionOption {
	return func(s *Session) { s.grace = d }
}

// Session is the per-connection transport state: the partial-line buffer,
// the committed dialect and whether a handshake has been seen.
type Session struct {
	id     string
	emit   EmitFunc
	logger zerolog.Logger
	grace  time.Duration

	mu        sync.Mutex
	buf       []byte
	dialect   dialect
	marker    string
	handshake bool
	timer     *time.Timer

	writeMu sync.Mutex
	out     io.Writer
}

func NewSession(out io.Writer, emit EmitFunc, opts ...SessionOption) *Session {
	s := &Session{
		id:     uuid.NewString(),
		emit:   emit,
		out:    out,
		logger: zerolog.Nop(),
		grace:  DefaultHandshakeGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", s.id).Logger()
	return s
}

func (s *Session) ID() string { return s.id }

// Enveloped reports whether the session has committed to the enveloped dialect.
func (s *Session) Enveloped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect == dialectEnveloped
}

// Ready arms the handshake grace timer. If no handshake has been emitted when
// it fires, the default initialize request is emitted. Ready never blocks.
func (s *Session) Ready() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil || s.handshake {
		return
	}
	s.timer = time.AfterFunc(s.grace, func() {
		if s.claimHandshake() {
			s.logger.Debug().Msg("no handshake within grace window; synthesizing initialize")
			s.emit(defaultHandshake())
		}
	})
}

// Close stops the grace timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Feed appends a chunk of input and emits a request for every complete line.
// A trailing partial line is kept for the next call.
func (s *Session) Feed(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:i])
		if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	s.mu.Unlock()

	for _, line := range lines {
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line []byte) {
	msg, err := decodeLine(line)
	if err != nil {
		if s.claimHandshake() {
			s.logger.Debug().Err(err).Msg("unparseable first message; treating as handshake")
			s.emit(defaultHandshake())
			return
		}
		s.logger.Warn().Err(err).Int("bytes", len(line)).Msg("dropping unparseable message")
		return
	}

	if !msg.enveloped() {
		s.dispatch(msg.nativeRequest())
		return
	}

	s.mu.Lock()
	s.dialect = dialectEnveloped
	s.marker = msg.marker
	s.mu.Unlock()

	req, ok, err := msg.envelopedRequest()
	switch {
	case err != nil:
		if _, isCall := msg.fields["id"]; isCall && msg.fields["result"] == nil && msg.fields["error"] == nil {
			s.Send(ErrorResponse(msg.fields["id"], err))
			return
		}
		s.logger.Debug().Msg("ignoring enveloped message without method")
	case ok:
		s.dispatch(req)
	default:
		s.logger.Debug().Str("method", stringOrEmpty(msg.fields, "method")).Msg("notification received")
	}
}

func (s *Session) dispatch(req Request) {
	if req.IsHandshake() {
		s.mu.Lock()
		s.handshake = true
		s.mu.Unlock()
	}
	s.emit(req)
}

func (s *Session) claimHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshake {
		return false
	}
	s.handshake = true
	return true
}

// Send writes resp in the session's dialect followed by a newline. Encoding
// and write errors are logged and dropped.
func (s *Session) Send(resp Response) {
	s.mu.Lock()
	d, marker := s.dialect, s.marker
	s.mu.Unlock()

	data, err := encode(resp, d, marker)
	if err != nil {
		s.logger.Error().Err(err).Str("type", resp.Type).Msg("encode response")
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Warn().Err(err).Str("type", resp.Type).Msg("write response")
	}
}

// Serve feeds everything read from r into the session until EOF or ctx is
// done. A partial line left at EOF is discarded.
func (s *Session) Serve(ctx context.Context, r io.Reader) error {
	defer s.Close()
	s.Ready()
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			s.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.mu.Lock()
				rest := len(s.buf)
				s.mu.Unlock()
				if rest > 0 {
					s.logger.Debug().Int("bytes", rest).Msg("discarding partial line at EOF")
				}
				return nil
			}
			return err
		}
	}
}
