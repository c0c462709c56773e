package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/yuri-schmaltz/darktable-mcp/internal/config"
)

// readBufferSize is the initial line buffer. Longer lines are still read
// in full.
const readBufferSize = 1024 * 1024

// Session serves requests from one input stream, strictly in order:
// each line is fully handled and its response written before the next
// line is read.
type Session struct {
	dispatcher *Dispatcher
	reader     *bufio.Reader
	writer     *bufio.Writer
	logger     *slog.Logger
}

// NewSession creates a session that reads requests from r and writes
// responses to w.
func NewSession(d *Dispatcher, r io.Reader, w io.Writer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dispatcher: d,
		reader:     bufio.NewReaderSize(r, readBufferSize),
		writer:     bufio.NewWriter(w),
		logger:     logger,
	}
}

// Run processes lines until the input ends, ctx is cancelled between
// lines, or a read or write fails. End of input returns nil.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			if err := s.serve(ctx, line); err != nil {
				return err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.logger.Debug("input closed, ending session")
				return nil
			}
			return fmt.Errorf("read request: %w", readErr)
		}
	}
}

func (s *Session) serve(ctx context.Context, line []byte) error {
	resp := s.dispatcher.Handle(ctx, line)
	if resp == nil {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		// A result that cannot be encoded is reported in place of the
		// result so the caller still gets exactly one answer.
		s.logger.Error("encode response", "error", err)
		data, err = json.Marshal(newError(resp.ID, &RPCError{
			Code:    CodeInternalError,
			Message: "internal error: encode response: " + err.Error(),
		}))
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}

	s.logger.Log(ctx, config.LevelTrace, "response sent", "line", string(data))

	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
