// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfsbridge/puffs/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const logInterval = 5 * time.Minute

var (
	unrecognizedAttr atomic.Value

	opClassAttrSets = map[OpClass]metric.MeasurementOption{
		OpClassVFSAttr:   metric.WithAttributeSet(attribute.NewSet(attribute.String("op_class", "vfs"))),
		OpClassVNAttr:    metric.WithAttributeSet(attribute.NewSet(attribute.String("op_class", "vn"))),
		OpClassCacheAttr: metric.WithAttributeSet(attribute.NewSet(attribute.String("op_class", "cache"))),
		OpClassErrorAttr: metric.WithAttributeSet(attribute.NewSet(attribute.String("op_class", "error"))),
		OpClassFlushAttr: metric.WithAttributeSet(attribute.NewSet(attribute.String("op_class", "flush"))),
	}
	opClassOrder = []OpClass{OpClassVFSAttr, OpClassVNAttr, OpClassCacheAttr, OpClassErrorAttr, OpClassFlushAttr}

	errorReasonAttrSets = map[ErrorReason]metric.MeasurementOption{
		ErrorReasonDeviceGoneAttr:  metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", "device_gone"))),
		ErrorReasonInterruptedAttr: metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", "interrupted"))),
		ErrorReasonProtocolAttr:    metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", "protocol"))),
		ErrorReasonTransportAttr:   metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", "transport"))),
		ErrorReasonNoMemoryAttr:    metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", "no_memory"))),
	}
	errorReasonOrder = []ErrorReason{ErrorReasonDeviceGoneAttr, ErrorReasonInterruptedAttr, ErrorReasonProtocolAttr, ErrorReasonTransportAttr, ErrorReasonNoMemoryAttr}

	directionAttrSets = map[Direction]metric.MeasurementOption{
		DirectionInAttr:  metric.WithAttributeSet(attribute.NewSet(attribute.String("direction", "in"))),
		DirectionOutAttr: metric.WithAttributeSet(attribute.NewSet(attribute.String("direction", "out"))),
	}
	directionOrder = []Direction{DirectionInAttr, DirectionOutAttr}
)

type histogramRecord struct {
	ctx        context.Context
	instrument metric.Int64Histogram
	value      int64
	attributes metric.RecordOption
}

// attrCounters holds one atomic per known value of a single attribute. The
// map is built once and only read afterwards.
type attrCounters[K comparable] map[K]*atomic.Int64

func newAttrCounters[K comparable](keys []K) attrCounters[K] {
	c := make(attrCounters[K], len(keys))
	for _, k := range keys {
		c[k] = new(atomic.Int64)
	}
	return c
}

func (c attrCounters[K]) add(name string, key K, inc int64) {
	counter, ok := c[key]
	if !ok {
		updateUnrecognizedAttribute(name)
		return
	}
	counter.Add(inc)
}

type otelMetrics struct {
	ch chan histogramRecord
	wg *sync.WaitGroup

	requestsCount         attrCounters[OpClass]
	requestErrorsCount    attrCounters[ErrorReason]
	requestLatency        metric.Int64Histogram
	unmatchedRepliesCount *atomic.Int64
	outgoingQueueDepth    *atomic.Int64
	replyWaitDepth        *atomic.Int64
	parksOutstanding      *atomic.Int64
	transportBytesCount   attrCounters[Direction]
	daemonRequestsCount   attrCounters[OpClass]
}

func (o *otelMetrics) RequestsCount(inc int64, opClass OpClass) {
	if inc < 0 {
		logger.Errorf("Counter metric puffs/requests_count received a negative increment: %d", inc)
		return
	}
	o.requestsCount.add(string(opClass), opClass, inc)
}

func (o *otelMetrics) RequestErrorsCount(inc int64, reason ErrorReason) {
	if inc < 0 {
		logger.Errorf("Counter metric puffs/request_errors_count received a negative increment: %d", inc)
		return
	}
	o.requestErrorsCount.add(string(reason), reason, inc)
}

func (o *otelMetrics) RequestLatency(ctx context.Context, latency time.Duration, opClass OpClass) {
	attrs, ok := opClassAttrSets[opClass]
	if !ok {
		updateUnrecognizedAttribute(string(opClass))
		return
	}
	record := histogramRecord{ctx: ctx, instrument: o.requestLatency, value: latency.Microseconds(), attributes: attrs}

	select {
	case o.ch <- record: // Do nothing
	default: // Unblock writes to channel if it's full.
	}
}

func (o *otelMetrics) UnmatchedRepliesCount(inc int64) {
	if inc < 0 {
		logger.Errorf("Counter metric puffs/unmatched_replies_count received a negative increment: %d", inc)
		return
	}
	o.unmatchedRepliesCount.Add(inc)
}

func (o *otelMetrics) OutgoingQueueDepth(inc int64) {
	o.outgoingQueueDepth.Add(inc)
}

func (o *otelMetrics) ReplyWaitDepth(inc int64) {
	o.replyWaitDepth.Add(inc)
}

func (o *otelMetrics) ParksOutstanding(inc int64) {
	o.parksOutstanding.Add(inc)
}

func (o *otelMetrics) TransportBytesCount(inc int64, direction Direction) {
	if inc < 0 {
		logger.Errorf("Counter metric transport/bytes_count received a negative increment: %d", inc)
		return
	}
	o.transportBytesCount.add(string(direction), direction, inc)
}

func (o *otelMetrics) DaemonRequestsCount(inc int64, opClass OpClass) {
	if inc < 0 {
		logger.Errorf("Counter metric daemon/requests_count received a negative increment: %d", inc)
		return
	}
	o.daemonRequestsCount.add(string(opClass), opClass, inc)
}

func NewOTelMetrics(ctx context.Context, workers int, bufferSize int) (*otelMetrics, error) {
	ch := make(chan histogramRecord, bufferSize)
	var wg sync.WaitGroup
	startSampledLogging(ctx)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range ch {
				if record.attributes != nil {
					record.instrument.Record(record.ctx, record.value, record.attributes)
				} else {
					record.instrument.Record(record.ctx, record.value)
				}
			}
		}()
	}
	meter := otel.Meter("puffs")

	requestsCount := newAttrCounters(opClassOrder)
	requestErrorsCount := newAttrCounters(errorReasonOrder)
	transportBytesCount := newAttrCounters(directionOrder)
	daemonRequestsCount := newAttrCounters(opClassOrder)
	var unmatchedRepliesCountAtomic,
		outgoingQueueDepthAtomic,
		replyWaitDepthAtomic,
		parksOutstandingAtomic atomic.Int64

	_, err0 := meter.Int64ObservableCounter("puffs/requests_count",
		metric.WithDescription("The cumulative number of requests handed to the router, by message class."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, k := range opClassOrder {
				conditionallyObserve(obsrv, requestsCount[k], opClassAttrSets[k])
			}
			return nil
		}))

	_, err1 := meter.Int64ObservableCounter("puffs/request_errors_count",
		metric.WithDescription("The cumulative number of requests that completed with an error, by reason."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, k := range errorReasonOrder {
				conditionallyObserve(obsrv, requestErrorsCount[k], errorReasonAttrSets[k])
			}
			return nil
		}))

	requestLatency, err2 := meter.Int64Histogram("puffs/request_latency",
		metric.WithDescription("The distribution of latencies between enqueueing a request and its completion."),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(50, 100, 200, 400, 800, 1200, 2000, 5000, 10000, 20000, 50000, 100000, 200000, 500000, 1000000, 2000000, 5000000, 10000000, 50000000, 100000000, 300000000, 500000000))

	_, err3 := meter.Int64ObservableCounter("puffs/unmatched_replies_count",
		metric.WithDescription("The cumulative number of replies whose id matched no waiting request."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			conditionallyObserve(obsrv, &unmatchedRepliesCountAtomic)
			return nil
		}))

	_, err4 := meter.Int64ObservableUpDownCounter("puffs/outgoing_queue_depth",
		metric.WithDescription("The number of requests waiting to be delivered to the daemon."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			observeUpDownCounter(obsrv, &outgoingQueueDepthAtomic)
			return nil
		}))

	_, err5 := meter.Int64ObservableUpDownCounter("puffs/reply_wait_depth",
		metric.WithDescription("The number of delivered requests awaiting a reply."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			observeUpDownCounter(obsrv, &replyWaitDepthAtomic)
			return nil
		}))

	_, err6 := meter.Int64ObservableUpDownCounter("puffs/parks_outstanding",
		metric.WithDescription("The number of request envelopes allocated and not yet recycled."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			observeUpDownCounter(obsrv, &parksOutstandingAtomic)
			return nil
		}))

	_, err7 := meter.Int64ObservableCounter("transport/bytes_count",
		metric.WithDescription("The cumulative number of bytes moved by the transport, by direction."),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, k := range directionOrder {
				conditionallyObserve(obsrv, transportBytesCount[k], directionAttrSets[k])
			}
			return nil
		}))

	_, err8 := meter.Int64ObservableCounter("daemon/requests_count",
		metric.WithDescription("The cumulative number of requests served by the daemon runtime, by message class."),
		metric.WithUnit(""),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			for _, k := range opClassOrder {
				conditionallyObserve(obsrv, daemonRequestsCount[k], opClassAttrSets[k])
			}
			return nil
		}))

	errs := []error{err0, err1, err2, err3, err4, err5, err6, err7, err8}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &otelMetrics{
		ch:                    ch,
		wg:                    &wg,
		requestsCount:         requestsCount,
		requestErrorsCount:    requestErrorsCount,
		requestLatency:        requestLatency,
		unmatchedRepliesCount: &unmatchedRepliesCountAtomic,
		outgoingQueueDepth:    &outgoingQueueDepthAtomic,
		replyWaitDepth:        &replyWaitDepthAtomic,
		parksOutstanding:      &parksOutstandingAtomic,
		transportBytesCount:   transportBytesCount,
		daemonRequestsCount:   daemonRequestsCount,
	}, nil
}

func (o *otelMetrics) Close() {
	close(o.ch)
	o.wg.Wait()
}

func conditionallyObserve(obsrv metric.Int64Observer, counter *atomic.Int64, obsrvOptions ...metric.ObserveOption) {
	if val := counter.Load(); val > 0 {
		obsrv.Observe(val, obsrvOptions...)
	}
}

func observeUpDownCounter(obsrv metric.Int64Observer, counter *atomic.Int64, obsrvOptions ...metric.ObserveOption) {
	obsrv.Observe(counter.Load(), obsrvOptions...)
}

func updateUnrecognizedAttribute(newValue string) {
	unrecognizedAttr.CompareAndSwap("", newValue)
}

// startSampledLogging starts a goroutine that logs unrecognized attributes periodically.
func startSampledLogging(ctx context.Context) {
	// Init the atomic.Value
	unrecognizedAttr.Store("")

	go func() {
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logUnrecognizedAttribute()
			}
		}
	}()
}

// logUnrecognizedAttribute retrieves and logs any unrecognized attributes.
func logUnrecognizedAttribute() {
	// Atomically load and reset the attribute name, then generate a log
	// if an unrecognized attribute was encountered.
	if currentAttr := unrecognizedAttr.Swap("").(string); currentAttr != "" {
		logger.Tracef("Attribute %s is not declared", currentAttr)
	}
}
