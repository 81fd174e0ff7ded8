package metrics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"depthview/logger"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerPut = 1000

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink buffers numeric metrics and publishes them in batches.
type CloudWatchSink struct {
	client    putMetricDataAPI
	namespace string
	interval  time.Duration
	log       *logger.Log

	mu      sync.Mutex
	pending []cwtypes.MetricDatum

	handlerID MetricHandlerID
}

// NewCloudWatchSink loads the default AWS configuration for region (falling
// back to AWS_REGION) and returns a sink publishing under namespace.
func NewCloudWatchSink(ctx context.Context, region, namespace string, interval time.Duration, log *logger.Log) (*CloudWatchSink, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")

	return newCloudWatchSink(cloudwatch.NewFromConfig(cfg), namespace, interval, log), nil
}

func newCloudWatchSink(client putMetricDataAPI, namespace string, interval time.Duration, log *logger.Log) *CloudWatchSink {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &CloudWatchSink{
		client:    client,
		namespace: namespace,
		interval:  interval,
		log:       log,
	}
}

func (s *CloudWatchSink) Register() {
	if s.handlerID == 0 {
		s.handlerID = RegisterMetricHandler(s.Handle)
	}
}

func (s *CloudWatchSink) Unregister() {
	UnregisterMetricHandler(s.handlerID)
	s.handlerID = 0
}

// Handle queues m for the next flush. Non-numeric values are skipped.
func (s *CloudWatchSink) Handle(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := m.Fields[k].(string); ok && v != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	s.pending = append(s.pending, cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Unit:       metricUnit(m.Type),
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(ts),
	})
	s.mu.Unlock()
}

// Run flushes on every interval until ctx is done, then flushes once more.
func (s *CloudWatchSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush publishes everything queued so far.
func (s *CloudWatchSink) Flush(ctx context.Context) {
	s.mu.Lock()
	data := s.pending
	s.pending = nil
	s.mu.Unlock()

	log := s.log.WithComponent("cloudwatch")
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		batch := data[start:end]
		if _, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: batch,
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			continue
		}
		log.WithFields(logger.Fields{"count": len(batch), "names": datumNames(batch)}).Debug("published metrics to CloudWatch")
	}
}

func datumNames(data []cwtypes.MetricDatum) string {
	seen := make(map[string]struct{}, len(data))
	names := make([]string, 0, len(data))
	for _, d := range data {
		if d.MetricName == nil {
			continue
		}
		if _, ok := seen[*d.MetricName]; ok {
			continue
		}
		seen[*d.MetricName] = struct{}{}
		names = append(names, *d.MetricName)
	}
	return strings.Join(names, ",")
}

func metricUnit(metricType string) cwtypes.StandardUnit {
	if metricType == "gauge" {
		return cwtypes.StandardUnitNone
	}
	return cwtypes.StandardUnitCount
}
