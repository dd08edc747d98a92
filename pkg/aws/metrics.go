package aws

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricBatchLimit is the most datums one PutMetricData call accepts.
const metricBatchLimit = 1000

type metricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Datum is one metric data point.
type Datum struct {
	Name       string
	Value      float64
	Unit       types.StandardUnit
	Dimensions map[string]string
}

// Count is a Datum counting value occurrences.
func Count(name string, value float64, dims map[string]string) Datum {
	return Datum{Name: name, Value: value, Unit: types.StandardUnitCount, Dimensions: dims}
}

// Latency is a Datum recording d in milliseconds.
func Latency(name string, d time.Duration, dims map[string]string) Datum {
	return Datum{Name: name, Value: float64(d.Milliseconds()), Unit: types.StandardUnitMilliseconds, Dimensions: dims}
}

// MetricsClient publishes custom metrics to CloudWatch.
// A nil *MetricsClient is valid and records nothing.
type MetricsClient struct {
	client    metricsAPI
	namespace string
	enabled   bool
	now       func() time.Time
}

// NewMetricsClient publishes under CLOUDWATCH_NAMESPACE (default CartSync) when
// CLOUDWATCH_ENABLED=true.
func NewMetricsClient(ctx context.Context) (*MetricsClient, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	namespace := os.Getenv("CLOUDWATCH_NAMESPACE")
	if namespace == "" {
		namespace = "CartSync"
	}
	return newMetricsClient(cloudwatch.NewFromConfig(cfg), namespace, os.Getenv("CLOUDWATCH_ENABLED") == "true"), nil
}

func newMetricsClient(client metricsAPI, namespace string, enabled bool) *MetricsClient {
	return &MetricsClient{client: client, namespace: namespace, enabled: enabled, now: time.Now}
}

// Put sends data in as few PutMetricData calls as possible. All points share one timestamp.
func (m *MetricsClient) Put(ctx context.Context, data ...Datum) error {
	if !m.IsEnabled() || len(data) == 0 {
		return nil
	}
	ts := aws.Time(m.now())

	for start := 0; start < len(data); start += metricBatchLimit {
		end := min(start+metricBatchLimit, len(data))
		datums := make([]types.MetricDatum, 0, end-start)
		for _, d := range data[start:end] {
			datums = append(datums, types.MetricDatum{
				MetricName: aws.String(d.Name),
				Value:      aws.Float64(d.Value),
				Unit:       d.Unit,
				Timestamp:  ts,
				Dimensions: dimensions(d.Dimensions),
			})
		}
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: datums,
		})
		if err != nil {
			return fmt.Errorf("failed to put %d metrics: %w", len(datums), err)
		}
	}
	return nil
}

// dimensions are sorted by name so the same map always yields the same series.
func dimensions(in map[string]string) []types.Dimension {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Dimension, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Dimension{Name: aws.String(k), Value: aws.String(in[k])})
	}
	return out
}

// RecordLatency records duration in milliseconds.
func (m *MetricsClient) RecordLatency(ctx context.Context, metricName string, duration time.Duration, dims map[string]string) error {
	return m.Put(ctx, Latency(metricName, duration, dims))
}

// PutAsync sends data in the background so hot paths never wait on CloudWatch.
func (m *MetricsClient) PutAsync(data ...Datum) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Put(ctx, data...)
	}()
}

// RecordAsync is PutAsync for a single count.
func (m *MetricsClient) RecordAsync(metricName string, value float64, dims map[string]string) {
	m.PutAsync(Count(metricName, value, dims))
}

func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}

const (
	MetricHTTPRequests = "HTTPRequests"
	MetricHTTPErrors   = "HTTPErrors"
	MetricHTTPLatency  = "HTTPLatency"
	MetricHTTP4xx      = "HTTP4xxErrors"
	MetricHTTP5xx      = "HTTP5xxErrors"

	MetricCartWrites           = "CartWrites"
	MetricCartConflicts        = "CartWriteConflicts"
	MetricChangesRelayed       = "CartChangesRelayed"
	MetricRelayDeliveryRetries = "CartRelayDeliveryRetries"
	MetricRelayMalformed       = "CartRelayMalformedRecords"
	MetricRelayBatchLatency    = "CartRelayBatchLatency"
	MetricSessionsDropped      = "RealtimeSessionsDropped"
	MetricDirectPublishes      = "RealtimeDirectPublishes"
	MetricWebsocketSessions    = "RealtimeWebsocketSessions"
)
