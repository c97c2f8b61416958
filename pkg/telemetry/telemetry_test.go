package telemetry

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/pkg/config"
	"observatory/pkg/device"
	"observatory/pkg/focus"
)

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publications. Other mqtt.Client methods are not used.
type fakeClient struct {
	mqtt.Client
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func TestPublisherFocusEvents(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, config.MQTTConfig{TopicRoot: "obs/"}, testLogger())

	p.FocusSample(focus.Sample{Position: 990, FWHM: 2.4})
	p.FocusResult(focus.Result{Outcome: focus.OutcomeConverged, FinalPosition: 1001})
	p.FocusCorrection(focus.Correction{Direction: device.DirOut, Reversed: true})

	require.Len(t, client.msgs, 3)
	assert.Equal(t, "obs/focus/sample", client.msgs[0].topic)
	assert.Equal(t, "obs/focus/result", client.msgs[1].topic)
	assert.True(t, client.msgs[1].retained)
	assert.Equal(t, "obs/focus/correction", client.msgs[2].topic)

	var res map[string]any
	require.NoError(t, json.Unmarshal(client.msgs[1].payload, &res))
	assert.Equal(t, "converged", res["outcome"])
	assert.Equal(t, 1001.0, res["final_position"])

	var corr map[string]any
	require.NoError(t, json.Unmarshal(client.msgs[2].payload, &corr))
	assert.Equal(t, "out", corr["direction"])
}

func TestPublisherDevices(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, config.MQTTConfig{TopicRoot: "obs"}, testLogger())

	err := p.PublishDevices([]device.State{
		{Kind: device.KindFocuser, Name: "Main Focuser", Crashed: true, Crashes: 2},
		{Kind: device.KindCamera, Name: "Camera", Queued: 1},
	})
	require.NoError(t, err)

	require.Len(t, client.msgs, 2)
	assert.Equal(t, "obs/devices/main_focuser", client.msgs[0].topic)
	assert.True(t, client.msgs[0].retained)

	var st deviceState
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &st))
	assert.Equal(t, "Focuser", st.Kind)
	assert.True(t, st.Crashed)
	assert.Equal(t, uint64(2), st.Crashes)
}

func TestPublisherReportsErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("broker gone")}
	p := NewPublisher(client, config.MQTTConfig{TopicRoot: "obs"}, testLogger())

	err := p.PublishDevices([]device.State{{Kind: device.KindDome, Name: "Dome"}})
	assert.ErrorContains(t, err, "broker gone")
}

type pointRecorder struct {
	points  []*write.Point
	flushed bool
}

func (r *pointRecorder) WritePoint(p *write.Point) { r.points = append(r.points, p) }
func (r *pointRecorder) Flush()                    { r.flushed = true }

func TestInfluxPoints(t *testing.T) {
	rec := &pointRecorder{}
	in := newInflux(rec, testLogger())
	in.SetFilter("R")

	now := time.Now()
	in.FocusSample(focus.Sample{Position: 1010, FWHM: 2.5})
	in.FocusResult(focus.Result{
		Outcome:       focus.OutcomeConverged,
		Filter:        "R",
		FinalPosition: 1000,
		FWHM:          2.1,
		Started:       now.Add(-time.Minute),
		Finished:      now,
	})
	in.FocusCorrection(focus.Correction{Time: now, Direction: device.DirIn, Before: 3, After: 3.5, Reversed: true})
	in.Close()

	require.Len(t, rec.points, 3)
	assert.True(t, rec.flushed)

	sample := write.PointToLineProtocol(rec.points[0], time.Nanosecond)
	assert.Contains(t, sample, "focus_sample,filter=R")
	assert.Contains(t, sample, "position=1010i")
	assert.Contains(t, sample, "fwhm=2.5")

	run := write.PointToLineProtocol(rec.points[1], time.Nanosecond)
	assert.Contains(t, run, "outcome=converged")
	assert.Contains(t, run, "final_position=1000i")
	assert.Contains(t, run, "duration_s=60")

	corr := write.PointToLineProtocol(rec.points[2], time.Nanosecond)
	assert.Contains(t, corr, "focus_correction,direction=in")
	assert.Contains(t, corr, "reversed=true")
}

func TestConnectInfluxDisabled(t *testing.T) {
	_, err := ConnectInflux(config.InfluxDBConfig{}, testLogger())
	assert.ErrorIs(t, err, ErrInfluxDisabled)
}
