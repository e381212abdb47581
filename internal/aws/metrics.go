package aws

import (
	"context"
	"errors"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
)

const (
	// maxDatumsPerPut is the PutMetricData limit on datums per request.
	maxDatumsPerPut  = 1000
	// maxPendingDatums bounds the buffer while CloudWatch is unreachable.
	maxPendingDatums = 20 * maxDatumsPerPut
)

// CloudWatchRecorder publishes dispatch metrics with PutMetricData. Record
// calls only append to an in-memory buffer; datums reach CloudWatch on Flush,
// from the Run loop, or when a full batch is waiting. Publishing errors are
// logged and never fail the dispatch.
type CloudWatchRecorder struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
	logger    *logrus.Entry

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
	kick    chan struct{}
	flushMu sync.Mutex
}

func NewCloudWatchRecorder(client CloudWatchAPI, namespace string, logger *logrus.Entry) *CloudWatchRecorder {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

func (r *CloudWatchRecorder) RecordAttempt(ctx context.Context, destination, outcome string, elapsed time.Duration) {
	dims := dimensions("Destination", destination, "Outcome", outcome)
	r.add(
		datum("DispatchAttempts", 1, cwtypes.StandardUnitCount, dims),
		datum("DispatchAttemptLatency", float64(elapsed.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims),
	)
}

func (r *CloudWatchRecorder) RecordRetryScheduled(ctx context.Context, destination string, delay time.Duration) {
	dims := dimensions("Destination", destination)
	r.add(
		datum("DispatchRetriesScheduled", 1, cwtypes.StandardUnitCount, dims),
		datum("DispatchRetryDelay", delay.Seconds(), cwtypes.StandardUnitSeconds, dims),
	)
}

func (r *CloudWatchRecorder) RecordExhausted(ctx context.Context, destination string) {
	r.add(datum("DispatchExhausted", 1, cwtypes.StandardUnitCount, dimensions("Destination", destination)))
}

func (r *CloudWatchRecorder) RecordPermanentFailure(ctx context.Context, destination, reason string) {
	r.add(datum("DispatchPermanentFailures", 1, cwtypes.StandardUnitCount,
		dimensions("Destination", destination, "Reason", reason)))
}

func (r *CloudWatchRecorder) RecordDuplicate(ctx context.Context, destination string) {
	r.add(datum("DispatchDuplicates", 1, cwtypes.StandardUnitCount, dimensions("Destination", destination)))
}

// add buffers data stamped with the current time. It never calls CloudWatch.
func (r *CloudWatchRecorder) add(data ...cwtypes.MetricDatum) {
	now := r.nowFunc()
	for i := range data {
		data[i].Timestamp = &now
	}

	r.mu.Lock()
	room := maxPendingDatums - len(r.pending)
	if room < len(data) {
		if room < 0 {
			room = 0
		}
		r.dropped += len(data) - room
		data = data[:room]
	}
	r.pending = append(r.pending, data...)
	full := len(r.pending) >= maxDatumsPerPut
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many datums are waiting to be published.
func (r *CloudWatchRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush publishes everything buffered so far in batches of at most
// maxDatumsPerPut. Batches that fail are logged and discarded.
func (r *CloudWatchRecorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	data, dropped := r.pending, r.dropped
	r.pending, r.dropped = nil, 0
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.WithField("dropped", dropped).Warn("metric buffer full, datums dropped")
	}

	var errs []error
	for len(data) > 0 {
		n := min(len(data), maxDatumsPerPut)
		_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsString(r.namespace),
			MetricData: data[:n],
		})
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"namespace": r.namespace,
				"datums":    n,
			}).Warn("put metric data failed")
			errs = append(errs, err)
		}
		data = data[n:]
	}
	return errors.Join(errs...)
}

// Run flushes every interval, and early when a full batch is buffered,
// until ctx is done. A last flush runs on the way out.
func (r *CloudWatchRecorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = r.Flush(final)
			cancel()
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		case <-r.kick:
			_ = r.Flush(ctx)
		}
	}
}

func datum(name string, value float64, unit cwtypes.StandardUnit, dims []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: awsString(name),
		Value:      sdkaws.Float64(value),
		Unit:       unit,
		Dimensions: dims,
	}
}

// dimensions takes name/value pairs; empty values are dropped.
func dimensions(pairs ...string) []cwtypes.Dimension {
	dims := make([]cwtypes.Dimension, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{
			Name:  awsString(pairs[i]),
			Value: awsString(pairs[i+1]),
		})
	}
	return dims
}
