package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pixelforge/image-bridge/internal/dedup"
	"github.com/pixelforge/image-bridge/internal/generation"
	"github.com/pixelforge/image-bridge/internal/journal"
	"github.com/pixelforge/image-bridge/internal/monitoring"
	"github.com/pixelforge/image-bridge/internal/protocol"
)

// Input lines are expected to stay well under this, but a large base64
// blob pasted as loose JSON should not kill the scanner.
const maxLineBytes = 4 * 1024 * 1024

// Generator is the generation capability the server depends on.
type Generator interface {
	Generate(ctx context.Context, params map[string]any) generation.Result
}

// Server owns the read loop: one line in, classify, normalize, dedup,
// then hand accepted requests to a goroutine. Duplicate checks happen
// on the read loop only, so dedup state needs no locking and follows
// arrival order.
type Server struct {
	gen        Generator
	emitter    *Emitter
	suppressor *dedup.Suppressor
	lifecycle  *Lifecycle
	tracker    *monitoring.Tracker

	jrnl           *journal.Journal
	onOutputClosed func()

	wg sync.WaitGroup
}

// ServerOption configures optional server collaborators.
type ServerOption func(*Server)

// WithJournal enables sqlite request journaling.
func WithJournal(j *journal.Journal) ServerOption {
	return func(s *Server) { s.jrnl = j }
}

// WithOutputClosedHandler sets the callback invoked when the reader
// side of the output stream is gone. The default does nothing; the
// binary installs an immediate clean exit.
func WithOutputClosedHandler(fn func()) ServerOption {
	return func(s *Server) { s.onOutputClosed = fn }
}

// NewServer wires the read loop to its collaborators.
func NewServer(gen Generator, emitter *Emitter, suppressor *dedup.Suppressor, lifecycle *Lifecycle, tracker *monitoring.Tracker, opts ...ServerOption) *Server {
	s := &Server{
		gen:            gen,
		emitter:        emitter,
		suppressor:     suppressor,
		lifecycle:      lifecycle,
		tracker:        tracker,
		onOutputClosed: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads lines until EOF or read failure, then waits for all
// in-flight requests to finish.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(ctx, line)
	}

	s.wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// handleLine classifies and normalizes one line and dispatches it. Runs
// on the read-loop goroutine.
func (s *Server) handleLine(ctx context.Context, line string) {
	dialect := protocol.Classify(line)
	norm := protocol.Normalize(line, dialect)

	switch norm.Kind {
	case protocol.KindPassThrough:
		s.lifecycle.RequestStarted()
		err := s.emitter.EmitRaw(norm.Raw)
		s.lifecycle.RequestFinished()
		s.finishWrite(err)
		s.record(monitoring.RequestEvent{
			Dialect: dialect.String(),
			Outcome: "pass_through",
		})

	case protocol.KindError:
		s.finishWrite(s.emitter.EmitError(norm.RawID, norm.ErrCode, norm.ErrMessage, norm.ErrData))
		s.record(monitoring.RequestEvent{
			Dialect:   dialect.String(),
			Outcome:   "error",
			ErrorKind: fmt.Sprintf("protocol_%d", norm.ErrCode),
		})

	case protocol.KindGenerate:
		req := norm.Request
		if !s.suppressor.ShouldProcess(req.CorrelationID, req.Prompt(), req.IsRetry) {
			log.Debug().Str("correlation_id", req.CorrelationID).Msg("duplicate request suppressed")
			s.record(monitoring.RequestEvent{
				CorrelationID: req.CorrelationID,
				Dialect:       dialect.String(),
				Outcome:       "duplicate",
			})
			return
		}

		s.lifecycle.RequestStarted()
		s.wg.Add(1)
		go s.process(ctx, dialect, req)
	}
}

// process runs one accepted request to completion. A panic anywhere in
// the pipeline becomes an internal-error envelope for this request,
// never a process crash.
func (s *Server) process(ctx context.Context, dialect protocol.Dialect, req *protocol.Request) {
	defer s.wg.Done()
	defer s.lifecycle.RequestFinished()

	start := time.Now()
	event := monitoring.RequestEvent{
		CorrelationID: req.CorrelationID,
		Dialect:       dialect.String(),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("correlation_id", req.CorrelationID).Msg("request processing panicked")
			s.finishWrite(s.emitter.EmitError(req.RawID, protocol.CodeInternalError, "internal error", fmt.Sprintf("%v", r)))
			event.Outcome = "error"
			event.ErrorKind = "internal"
			event.LatencyMS = time.Since(start).Milliseconds()
			s.record(event)
		}
	}()

	res := s.gen.Generate(ctx, req.Params)
	event.LatencyMS = time.Since(start).Milliseconds()

	if res.OK {
		savedPath, err := s.emitter.EmitSuccess(req.RawID, req.Prompt(), res)
		s.finishWrite(err)
		event.Outcome = "success"
		event.SavedPath = savedPath
	} else {
		s.finishWrite(s.emitter.EmitError(req.RawID, codeForKind(res.Kind), res.Message, ""))
		event.Outcome = "error"
		event.ErrorKind = string(res.Kind)
	}
	s.record(event)
}

// finishWrite reacts to an emit outcome. A closed output stream is the
// downstream telling us to go away; anything else is logged.
func (s *Server) finishWrite(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrOutputClosed):
		log.Info().Msg("output stream closed, shutting down")
		s.onOutputClosed()
	default:
		log.Error().Err(err).Msg("failed to write response")
	}
}

// record fans one completed request out to telemetry and the journal.
func (s *Server) record(event monitoring.RequestEvent) {
	event.Timestamp = time.Now()
	s.tracker.Record(&event)

	if s.jrnl == nil {
		return
	}
	err := s.jrnl.Record(context.Background(), journal.Entry{
		CorrelationID: event.CorrelationID,
		Dialect:       event.Dialect,
		Outcome:       event.Outcome,
		ErrorKind:     event.ErrorKind,
		LatencyMS:     event.LatencyMS,
		SavedPath:     event.SavedPath,
		CreatedAt:     event.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to journal request")
	}
}
