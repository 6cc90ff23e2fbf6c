package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mickamy/txbus"
)

// OTel records relay and dispatcher activity as OpenTelemetry instruments.
// Counters carry queue and, where relevant, reason attributes.
type OTel struct {
	claimed       metric.Int64Counter
	sent          metric.Int64Counter
	sendFailures  metric.Int64Counter
	retries       metric.Int64Counter
	failed        metric.Int64Counter
	storeErrors   metric.Int64Counter
	cycleDuration metric.Float64Histogram

	sessions      metric.Int64Counter
	handled       metric.Int64Counter
	handleLatency metric.Float64Histogram
	handlerErrors metric.Int64Counter
	deadLetters   metric.Int64Counter
	leasesLost    metric.Int64Counter
}

var (
	_ txbus.RelayHooks    = (*OTel)(nil)
	_ txbus.DispatchHooks = (*OTel)(nil)
)

// NewOTel creates the instruments on meter, or on the global "txbus" meter
// when meter is nil.
func NewOTel(meter metric.Meter) (*OTel, error) {
	if meter == nil {
		meter = otel.Meter("github.com/mickamy/txbus")
	}
	var (
		o    OTel
		errs []error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}

	o.claimed = counter("txbus.relay.claimed", "Outbox rows claimed by the relay")
	o.sent = counter("txbus.relay.sent", "Outbox rows accepted by the broker")
	o.sendFailures = counter("txbus.relay.send_failures", "Broker send failures")
	o.retries = counter("txbus.relay.retries", "Outbox rows scheduled for retry")
	o.failed = counter("txbus.relay.failed", "Outbox rows that failed permanently")
	o.storeErrors = counter("txbus.relay.store_errors", "Outbox store errors")
	o.cycleDuration = histogram("txbus.relay.cycle.duration", "Relay cycle duration")

	o.sessions = counter("txbus.dispatcher.sessions", "Sessions accepted")
	o.handled = counter("txbus.dispatcher.handled", "Messages handled successfully")
	o.handleLatency = histogram("txbus.dispatcher.handle.duration", "Handler duration")
	o.handlerErrors = counter("txbus.dispatcher.handler_errors", "Handler failures")
	o.deadLetters = counter("txbus.dispatcher.dead_letters", "Messages dead-lettered")
	o.leasesLost = counter("txbus.dispatcher.leases_lost", "Session leases lost")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &o, nil
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func (o *OTel) OnClaim(ctx context.Context, _ int, claimed int) {
	o.claimed.Add(ctx, int64(claimed))
}

func (o *OTel) OnSendSuccess(ctx context.Context, msg txbus.OutboxMessage) {
	o.sent.Add(ctx, 1, queueAttr(msg.Queue))
}

func (o *OTel) OnSendFailure(ctx context.Context, msg txbus.OutboxMessage, err error) {
	o.sendFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", msg.Queue),
		attribute.Bool("permanent", txbus.IsPermanent(err)),
	))
}

func (o *OTel) OnRetry(ctx context.Context, msg txbus.OutboxMessage, _ int, _ time.Duration) {
	o.retries.Add(ctx, 1, queueAttr(msg.Queue))
}

func (o *OTel) OnFail(ctx context.Context, msg txbus.OutboxMessage, _ int, _ error) {
	o.failed.Add(ctx, 1, queueAttr(msg.Queue))
}

func (o *OTel) OnStoreError(ctx context.Context, op string, _ int64, _ error) {
	o.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (o *OTel) OnCycle(ctx context.Context, d time.Duration) {
	o.cycleDuration.Record(ctx, d.Seconds())
}

func (o *OTel) OnSessionAccepted(ctx context.Context, queue, _ string) {
	o.sessions.Add(ctx, 1, queueAttr(queue))
}

func (o *OTel) OnHandled(ctx context.Context, queue string, env txbus.Envelope, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("queue", queue), attribute.String("type", env.TypeTag))
	o.handled.Add(ctx, 1, attrs)
	o.handleLatency.Record(ctx, d.Seconds(), attrs)
}

func (o *OTel) OnHandlerError(ctx context.Context, err *txbus.HandlerError) {
	o.handlerErrors.Add(ctx, 1, queueAttr(err.Queue))
}

func (o *OTel) OnDeadLetter(ctx context.Context, dl txbus.DeadLetter) {
	o.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", dl.Queue),
		attribute.String("reason", dl.Reason),
	))
}

func (o *OTel) OnLeaseLost(ctx context.Context, queue, _ string) {
	o.leasesLost.Add(ctx, 1, queueAttr(queue))
}
