package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEWriter frames JSON payloads as server-sent events.
type SSEWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func NewSSEWriter(c *echo.Context) (*SSEWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{
		w:       res,
		flusher: flusher.Flush,
	}, nil
}

// Send writes one data frame and flushes it.
func (s *SSEWriter) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", s.seq, b); err != nil {
		return err
	}
	s.seq++
	s.flush()
	return nil
}

// Fail sends an error frame.
func (s *SSEWriter) Fail(err error) error {
	_, errType, code := classify(err)
	return s.Send(map[string]any{
		"error": ResponseError{
			Message: err.Error(),
			Type:    errType,
			Code:    code,
		},
	})
}

// Done writes the terminating sentinel.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
