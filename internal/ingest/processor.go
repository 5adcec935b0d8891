// Package ingest runs the per-envelope pipeline: decode, authenticate,
// sequence, aggregate and dispatch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"telemetry-bridge/internal/auth"
	"telemetry-bridge/internal/dispatch"
	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/sequence"
	"telemetry-bridge/internal/stats"
)

var ErrUnexpectedMessage = errors.New("unexpected message type")

// Outcome describes what happened to one telemetry record.
type Outcome struct {
	Verdict   sequence.Verdict
	Gap       uint64
	Forwarded bool
	Flagged   bool
	Stats     stats.Statistics
	Failures  []dispatch.HandlerFailure
}

type Processor struct {
	gate       *auth.Gate
	tracker    *sequence.Tracker
	aggregator *stats.Aggregator
	router     *dispatch.Router
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewProcessor(
	gate *auth.Gate,
	tracker *sequence.Tracker,
	aggregator *stats.Aggregator,
	router *dispatch.Router,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		gate:       gate,
		tracker:    tracker,
		aggregator: aggregator,
		router:     router,
		metrics:    m,
		logger:     logger,
	}
}

// Handle processes one raw envelope received on the connection owning s.
// The returned reply, if any, should be sent back to the client even when
// err is non-nil. auth.ErrAuthExhausted means the connection must be closed.
func (p *Processor) Handle(ctx context.Context, s *auth.Session, raw []byte) (envelope.Message, error) {
	msg, err := envelope.Decode(raw)
	if err != nil {
		p.metrics.DecodeErrorsTotal.WithLabelValues(decodeReason(err)).Inc()
		return nil, fmt.Errorf("decode: %w", err)
	}
	p.metrics.EnvelopesTotal.WithLabelValues(string(msg.Type())).Inc()

	switch m := msg.(type) {
	case envelope.Auth:
		return p.authenticate(s, m)

	case envelope.MQTT:
		if err := s.Authorize(); err != nil {
			p.metrics.RejectedTotal.WithLabelValues("not_authenticated").Inc()
			if errors.Is(err, auth.ErrNotAuthenticated) {
				return envelope.AuthResponse{Status: envelope.StatusFailure, Message: "Authentication required"}, err
			}
			return nil, err
		}
		// Handler failures are logged and counted by Ingest; they are not
		// errors of this envelope.
		p.Ingest(ctx, m.Payload)
		return nil, nil

	default:
		p.metrics.RejectedTotal.WithLabelValues("unexpected_type").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type())
	}
}

func (p *Processor) authenticate(s *auth.Session, m envelope.Auth) (envelope.Message, error) {
	res, err := p.gate.Authenticate(s, m.Key)
	p.metrics.AuthAttemptsTotal.WithLabelValues(res.String()).Inc()

	switch {
	case errors.Is(err, auth.ErrAuthExhausted):
		p.metrics.AuthExhaustedTotal.Inc()
		p.logger.Warn("authentication attempts exhausted", "session", s.ID(), "max_failures", p.gate.MaxFailures())
		return envelope.AuthResponse{Status: envelope.StatusFailure, Message: "Too many failed authentication attempts"}, err
	case err != nil:
		return nil, err
	case res == auth.Success:
		p.logger.Info("authentication successful", "session", s.ID())
		return envelope.AuthResponse{Status: envelope.StatusSuccess, Message: "Authenticated successfully"}, nil
	default:
		p.logger.Info("authentication failed: invalid key", "session", s.ID(), "failures", s.Failures())
		return envelope.AuthResponse{Status: envelope.StatusFailure, Message: "Invalid authentication key"}, nil
	}
}

// Ingest runs one already-decoded record through the sequence tracker, the
// aggregator and the router. Only forwarded records touch the statistics.
func (p *Processor) Ingest(ctx context.Context, t envelope.Telemetry) Outcome {
	res := p.tracker.Check(t.DeviceID, t.Seq)
	p.metrics.SequenceVerdictsTotal.WithLabelValues(res.Verdict.String()).Inc()

	out := Outcome{Verdict: res.Verdict, Gap: res.Gap, Flagged: res.Flagged}

	switch res.Verdict {
	case sequence.Accept:
		if res.Gap > 0 {
			p.metrics.SequenceGapsTotal.Add(float64(res.Gap))
			p.logger.Debug("sequence gap", "device_id", t.DeviceID, "seq", t.Seq, "previous", res.Previous, "gap", res.Gap)
		}
	case sequence.Duplicate:
		p.logger.Debug("duplicate telemetry", "device_id", t.DeviceID, "seq", t.Seq)
	case sequence.OutOfOrder:
		p.logger.Debug("out-of-order telemetry",
			"device_id", t.DeviceID,
			"seq", t.Seq,
			"last_seq", res.Previous,
			"flagged", res.Flagged,
		)
	}

	if !res.Forward {
		out.Stats = p.aggregator.Snapshot()
		return out
	}

	out.Forwarded = true
	out.Stats = p.aggregator.Record(t)
	p.metrics.RecordsAggregated.Inc()

	out.Failures = p.router.Publish(ctx, t)
	for _, f := range out.Failures {
		p.metrics.HandlerFailuresTotal.WithLabelValues(f.Pattern).Inc()
		p.logger.Error("dispatch handler failed",
			"pattern", f.Pattern,
			"device_id", t.DeviceID,
			"topic", t.Topic,
			"error", f.Err,
		)
	}
	return out
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, envelope.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "other"
	}
}
