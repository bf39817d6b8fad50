package postprocessing

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/model"
)

const trendMeasurement = "qc_trend"

// Exporter mirrors new trend points to an external time-series system.
type Exporter interface {
	Export(ctx context.Context, task, metric string, points []model.TrendPoint) error
	Close()
}

type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxExporter(cfg config.InfluxConfig) (*InfluxExporter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx url is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (e *InfluxExporter) Export(ctx context.Context, task, metric string, points []model.TrendPoint) error {
	if len(points) == 0 {
		return nil
	}

	out := make([]*write.Point, 0, len(points))
	for _, p := range points {
		out = append(out, influxdb2.NewPoint(
			trendMeasurement,
			map[string]string{
				"task":   task,
				"metric": metric,
			},
			map[string]interface{}{
				"value": p.Value,
				"run":   p.Run,
			},
			time.UnixMilli(p.Timestamp),
		))
	}

	if err := e.writeAPI.WritePoint(ctx, out...); err != nil {
		return fmt.Errorf("failed to write trend points: %w", err)
	}
	return nil
}

func (e *InfluxExporter) Close() {
	e.client.Close()
}
