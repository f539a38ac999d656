package logger

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const defaultNamespace = "PriceRelay"

var (
	cwClient    *cloudwatch.Client
	cwNamespace = defaultNamespace
	cwDashboard = defaultNamespace
	// cwRelay is attached as the Relay dimension of every datum so several
	// relays can share a namespace.
	cwRelay string
)

// InitCloudWatch creates the CloudWatch client and the relay dashboard. An
// empty region falls back to AWS_REGION. When the AWS configuration cannot be
// loaded metrics stay log-only.
func InitCloudWatch(region, namespace, dashboard, relay string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	cwRelay = relay

	log.WithFields(Fields{"region": region, "namespace": cwNamespace, "relay": cwRelay}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

// publishMetrics sends data to CloudWatch once the client is initialized.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cwClient == nil || len(data) == 0 {
		return
	}

	if _, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// withRelayDimension tags every datum with the relay name, when one is set.
func withRelayDimension(data ...cwtypes.MetricDatum) []cwtypes.MetricDatum {
	if cwRelay == "" {
		return data
	}
	for i := range data {
		data[i].Dimensions = append(data[i].Dimensions, cwtypes.Dimension{
			Name:  aws.String("Relay"),
			Value: aws.String(cwRelay),
		})
	}
	return data
}

// metricDatum converts a LogMetric call into a datum. Values that are not
// numeric are not published.
func metricDatum(component, metric string, value interface{}, fields Fields) (cwtypes.MetricDatum, bool) {
	var val float64
	switch v := value.(type) {
	case int:
		val = float64(v)
	case int32:
		val = float64(v)
	case int64:
		val = float64(v)
	case uint64:
		val = float64(v)
	case float32:
		val = float64(v)
	case float64:
		val = v
	default:
		return cwtypes.MetricDatum{}, false
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "metric" || k == "metric_type" || k == "value" {
			continue
		}
		if s, ok := fields[k].(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	return cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       metricUnit(metric),
		Value:      aws.Float64(val),
	}, true
}

func metricUnit(metric string) cwtypes.StandardUnit {
	switch {
	case strings.HasSuffix(metric, "bytes") || strings.HasPrefix(metric, "bytes_") || strings.Contains(metric, "_bytes_"):
		return cwtypes.StandardUnitBytes
	case strings.HasSuffix(metric, "_rate"):
		return cwtypes.StandardUnitNone
	}
	return cwtypes.StandardUnitCount
}

// metricData lists the datums of one runtime report. Channel counters carry a
// Channel dimension.
func (s relaySnapshot) metricData() []cwtypes.MetricDatum {
	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}

	data := []cwtypes.MetricDatum{
		count("FramesRead", s.FramesRead),
		count("SlotsFinalized", s.SlotsFinalized),
		count("SlotsInvalid", s.SlotsInvalid),
		count("ArchiveWrites", s.ArchiveWrites),
		count("Warnings", s.Warns),
		count("Errors", s.Errors),
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(s.CPUPercent)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(s.MemoryMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(s.DiskMB)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(s.NetBytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(s.NetBytesRecv))},
	}

	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := s.Channels[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: append([]cwtypes.Dimension(nil), dims...),
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}
	return data
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Metrics [][]string `json:"metrics"`
	Period  int        `json:"period"`
	Stat    string     `json:"stat"`
	Title   string     `json:"title"`
	View    string     `json:"view"`
}

// relayWidgets groups the report datums into dashboard panels.
var relayWidgets = []struct {
	title   string
	stat    string
	metrics []string
}{
	{"Slots", "Maximum", []string{"SlotsFinalized", "SlotsInvalid"}},
	{"Relay ingest", "Maximum", []string{"FramesRead", "ArchiveWrites"}},
	{"Log health", "Maximum", []string{"Warnings", "Errors"}},
	{"Host", "Average", []string{"CPUPercent", "MemoryMB"}},
}

// dashboardBody renders the dashboard JSON for the relay counters of
// namespace, filtered to relay when it is not empty.
func dashboardBody(namespace, relay string) (string, error) {
	widgets := make([]dashboardWidget, 0, len(relayWidgets))
	for i, w := range relayWidgets {
		lines := make([][]string, 0, len(w.metrics))
		for _, m := range w.metrics {
			line := []string{namespace, m}
			if relay != "" {
				line = append(line, "Relay", relay)
			}
			lines = append(lines, line)
		}
		widgets = append(widgets, dashboardWidget{
			Type:   "metric",
			X:      (i % 2) * 12,
			Y:      (i / 2) * 6,
			Width:  12,
			Height: 6,
			Properties: widgetProperties{
				Metrics: lines,
				Period:  60,
				Stat:    w.stat,
				Title:   w.title,
				View:    "timeSeries",
			},
		})
	}
	body, err := json.Marshal(struct {
		Widgets []dashboardWidget `json:"widgets"`
	}{widgets})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CreateDefaultDashboard puts the relay dashboard. Failures are logged and
// ignored.
func CreateDefaultDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	body, err := dashboardBody(cwNamespace, cwRelay)
	if err != nil {
		log.WithError(err).Warn("failed to render CloudWatch dashboard")
		return
	}
	if _, err := cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
