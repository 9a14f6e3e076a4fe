package backend

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const rawChunkSize = 4096

// rawStream decodes the body as UTF-8 text without any framing.
// A multi-byte rune split across reads is held back until it is complete.
type rawStream struct {
	body    io.ReadCloser
	buf     []byte
	pending []byte
	err     error
}

func newRawStream(body io.ReadCloser) *rawStream {
	return &rawStream{body: body, buf: make([]byte, rawChunkSize)}
}

func (s *rawStream) Recv() (string, error) {
	for {
		if s.err != nil {
			if len(s.pending) > 0 {
				tail := string(s.pending)
				s.pending = nil
				return tail, nil
			}
			return "", s.err
		}

		n, err := s.body.Read(s.buf)
		if err != nil {
			s.err = err
		}
		if n == 0 {
			continue
		}

		data := append(s.pending, s.buf[:n]...)
		complete, rest := splitUTF8(data)
		s.pending = append([]byte(nil), rest...)
		if len(complete) > 0 {
			return string(complete), nil
		}
	}
}

func (s *rawStream) Close() error {
	return s.body.Close()
}

// splitUTF8 separates a trailing incomplete rune from the rest of b.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

// sseStream reads server-sent events. The "data:" lines of one event are
// joined with "\n" and the event ends at a blank line. "[DONE]" terminates
// the reply.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	data    []string
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if text, ok := s.dispatch(); ok {
				return text, nil
			}
			if s.done {
				return "", io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			s.data = append(s.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return "", err
	}
	// an unterminated final event still counts
	text, ok := s.dispatch()
	s.done = true
	if ok {
		return text, nil
	}
	return "", io.EOF
}

// dispatch consumes the buffered event and reports whether it carried text
func (s *sseStream) dispatch() (string, bool) {
	if len(s.data) == 0 {
		return "", false
	}
	data := strings.Join(s.data, "\n")
	s.data = s.data[:0]

	if strings.TrimSpace(data) == "[DONE]" {
		s.done = true
		return "", false
	}
	text := decodeEventData(data)
	return text, text != ""
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// tracedStream keeps the request span open until the reply has been read
type tracedStream struct {
	Stream
	span   trace.Span
	chunks int
	once   sync.Once
}

func (s *tracedStream) Recv() (string, error) {
	chunk, err := s.Stream.Recv()
	switch {
	case err == nil:
		s.chunks++
	case !errors.Is(err, io.EOF):
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	return chunk, err
}

func (s *tracedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		s.span.SetAttributes(attribute.Int("gateway.chunks", s.chunks))
		s.span.End()
	})
	return err
}
