package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/dkeye/Party"

// Metrics groups the instruments recorded by the host server, the client and
// discovery. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tracer trace.Tracer

	joinsAccepted  metric.Int64Counter
	joinsRejected  metric.Int64Counter
	clientsRemoved metric.Int64Counter
	clients        metric.Int64UpDownCounter
	framesDropped  metric.Int64Counter
	sessionsFound  metric.Int64Counter
	sessionsLost   metric.Int64Counter
	roundTrip      metric.Int64Histogram
}

// NewMetrics builds instruments from the given providers; nil providers fall
// back to the otel globals.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{tracer: tp.Tracer(instrumentationName)}

	var err error
	if m.joinsAccepted, err = meter.Int64Counter("party.joins.accepted",
		metric.WithDescription("JOIN requests admitted by the host")); err != nil {
		logInstrumentErr("party.joins.accepted", err)
	}
	if m.joinsRejected, err = meter.Int64Counter("party.joins.rejected",
		metric.WithDescription("JOIN requests rejected, by error code")); err != nil {
		logInstrumentErr("party.joins.rejected", err)
	}
	if m.clientsRemoved, err = meter.Int64Counter("party.clients.removed",
		metric.WithDescription("clients removed from the roster, by reason")); err != nil {
		logInstrumentErr("party.clients.removed", err)
	}
	if m.clients, err = meter.Int64UpDownCounter("party.clients.connected",
		metric.WithDescription("currently connected clients")); err != nil {
		logInstrumentErr("party.clients.connected", err)
	}
	if m.framesDropped, err = meter.Int64Counter("party.frames.dropped",
		metric.WithDescription("broadcast frames skipped for a member with a full buffer, by message type")); err != nil {
		logInstrumentErr("party.frames.dropped", err)
	}
	if m.sessionsFound, err = meter.Int64Counter("party.discovery.found",
		metric.WithDescription("sessions newly discovered, by method")); err != nil {
		logInstrumentErr("party.discovery.found", err)
	}
	if m.sessionsLost, err = meter.Int64Counter("party.discovery.lost",
		metric.WithDescription("discovered sessions expired or withdrawn")); err != nil {
		logInstrumentErr("party.discovery.lost", err)
	}
	if m.roundTrip, err = meter.Int64Histogram("party.client.rtt",
		metric.WithUnit("ms"),
		metric.WithDescription("PING/PONG round trip seen by the client")); err != nil {
		logInstrumentErr("party.client.rtt", err)
	}
	return m
}

func logInstrumentErr(name string, err error) {
	log.Warn().Err(err).Str("module", "telemetry").Str("instrument", name).Msg("instrument not created")
}

// Tracer never returns nil.
func (m *Metrics) Tracer() trace.Tracer {
	if m == nil || m.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return m.tracer
}

func (m *Metrics) JoinAccepted(ctx context.Context) {
	if m == nil || m.joinsAccepted == nil {
		return
	}
	m.joinsAccepted.Add(ctx, 1)
	if m.clients != nil {
		m.clients.Add(ctx, 1)
	}
}

func (m *Metrics) JoinRejected(ctx context.Context, code string) {
	if m == nil || m.joinsRejected == nil {
		return
	}
	m.joinsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) ClientRemoved(ctx context.Context, reason string) {
	if m == nil || m.clientsRemoved == nil {
		return
	}
	m.clientsRemoved.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	if m.clients != nil {
		m.clients.Add(ctx, -1)
	}
}

func (m *Metrics) FrameDropped(ctx context.Context, typ string) {
	if m == nil || m.framesDropped == nil {
		return
	}
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *Metrics) SessionFound(ctx context.Context, method string) {
	if m == nil || m.sessionsFound == nil {
		return
	}
	m.sessionsFound.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) SessionLost(ctx context.Context) {
	if m == nil || m.sessionsLost == nil {
		return
	}
	m.sessionsLost.Add(ctx, 1)
}

func (m *Metrics) RoundTrip(ctx context.Context, ms int64) {
	if m == nil || m.roundTrip == nil {
		return
	}
	m.roundTrip.Record(ctx, ms)
}
