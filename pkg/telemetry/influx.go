package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/config"
	"observatory/pkg/focus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

var ErrInfluxDisabled = errors.New("influxdb is disabled")

// pointWriter is the part of the non-blocking write API the writer uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Influx writes focus samples, runs and corrections as time series.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	logger log.FieldLogger

	mu     sync.Mutex
	filter string
}

// ConnectInflux creates the client, checks the server with a ping and sets
// up batched writes.
func ConnectInflux(cfg config.InfluxDBConfig, logger log.FieldLogger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrInfluxDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	in := newInflux(writeAPI, logger)
	in.client = client

	go func() {
		for err := range writeAPI.Errors() {
			in.logger.Warnf("InfluxDB write failed: %v", err)
		}
	}()
	return in, nil
}

func newInflux(w pointWriter, logger log.FieldLogger) *Influx {
	return &Influx{
		writer: w,
		logger: logger.WithField("component", "influxdb"),
	}
}

// SetFilter tags subsequent samples with the filter in use.
func (in *Influx) SetFilter(filter string) {
	in.mu.Lock()
	in.filter = filter
	in.mu.Unlock()
}

func (in *Influx) FocusSample(s focus.Sample) {
	in.mu.Lock()
	filter := in.filter
	in.mu.Unlock()

	in.writer.WritePoint(influxdb2.NewPoint(
		"focus_sample",
		map[string]string{"filter": filter},
		map[string]any{"position": s.Position, "fwhm": s.FWHM},
		time.Now(),
	))
}

func (in *Influx) FocusResult(r focus.Result) {
	fields := map[string]any{
		"initial_position": r.InitialPosition,
		"final_position":   r.FinalPosition,
		"samples":          len(r.Samples),
		"duration_s":       r.Finished.Sub(r.Started).Seconds(),
	}
	if r.Outcome == focus.OutcomeConverged {
		fields["fwhm"] = r.FWHM
	}
	in.writer.WritePoint(influxdb2.NewPoint(
		"focus_run",
		map[string]string{"filter": r.Filter, "outcome": r.Outcome.String()},
		fields,
		r.Finished,
	))
}

func (in *Influx) FocusCorrection(c focus.Correction) {
	in.writer.WritePoint(influxdb2.NewPoint(
		"focus_correction",
		map[string]string{"direction": c.Direction.String()},
		map[string]any{"before": c.Before, "after": c.After, "reversed": c.Reversed},
		c.Time,
	))
}

// Close flushes pending points and closes the client.
func (in *Influx) Close() {
	in.writer.Flush()
	if in.client != nil {
		in.client.Close()
	}
}
