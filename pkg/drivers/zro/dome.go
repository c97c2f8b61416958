// Package zro drives the ZRO dome controller, which listens for commands and
// reports telemetry over MQTT.
package zro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/config"
	"observatory/pkg/device"
)

var ErrTimeout = errors.New("timeout waiting for dome controller")

// Status is the last telemetry received from the controller.
type Status struct {
	Position int // encoder ticks
	Target   int // encoder ticks
	AtHome   bool
	Slewing  bool
	Link     bool // shutter radio link

	Temperature float32
	Humidity    float32

	BatteryVoltage float32
	BatteryCurrent float32

	Version string
}

type telemetryMsg struct {
	AzState     int     `json:"az_state"`
	Position    int     `json:"pos"`
	Home        int     `json:"home"`
	Dir         int     `json:"dir"`
	Target      int     `json:"target"`
	Link        int     `json:"link"`
	Temperature float32 `json:"temp"`
	Humidity    float32 `json:"hum"`
}

type batteryMsg struct {
	Voltage float32 `json:"batt_voltage"`
	Current float32 `json:"batt_current"`
}

// Dome implements device.DomeDriver for the ZRO controller. Every call
// blocks until the controller acknowledges it and, for movements, until
// telemetry shows the dome has arrived.
type Dome struct {
	client mqtt.Client
	config config.DomeConfig
	logger log.FieldLogger

	cmdMu     sync.Mutex // one command in flight
	responses chan Response

	mu      sync.Mutex
	status  Status
	seen    bool
	slaved  bool
	changed chan struct{}
}

var _ device.DomeDriver = (*Dome)(nil)

func New(client mqtt.Client, cfg config.DomeConfig, logger log.FieldLogger) *Dome {
	return &Dome{
		client:    client,
		config:    cfg,
		logger:    logger.WithField("component", "ZRO"),
		responses: make(chan Response, 1),
		changed:   make(chan struct{}, 1),
	}
}

func (d *Dome) topic(name string) string {
	return d.config.TopicRoot + "/" + name
}

func (d *Dome) degreesToTicks(degrees float64) int {
	return int(normalizeAngle(degrees) * float64(d.config.TicksPerTurn) / 360.0)
}

func (d *Dome) ticksToDegrees(ticks int) float64 {
	return normalizeAngle(float64(ticks) * 360.0 / float64(d.config.TicksPerTurn))
}

// Start subscribes to the controller topics, links the shutter when it is
// in use and reads the firmware version.
func (d *Dome) Start() error {
	if !d.client.IsConnected() {
		return device.ErrNotConnected
	}

	subs := map[string]mqtt.MessageHandler{
		d.topic("telemetry"): d.telemetryHandler,
		d.topic("battery"):   d.batteryHandler,
		d.topic("responses"): d.responseHandler,
	}
	for topic, handler := range subs {
		if token := d.client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe to %s: %v", topic, token.Error())
		}
	}

	if d.config.UseShutter {
		if err := d.sendCommand(cmdConnectShutter, ""); err != nil {
			return fmt.Errorf("connect shutter: %w", err)
		}
	}
	for _, code := range []cmdCode{cmdStatus, cmdVersion, cmdBattery} {
		if err := d.sendCommand(code, ""); err != nil {
			return err
		}
	}
	return nil
}

// Stop unlinks the shutter and unsubscribes.
func (d *Dome) Stop() {
	if d.config.UseShutter {
		if err := d.sendCommand(cmdDisconnectShutter, ""); err != nil {
			d.logger.Warnf("Failed to disconnect shutter: %v", err)
		}
	}
	d.client.Unsubscribe(d.topic("telemetry"), d.topic("battery"), d.topic("responses"))
}

// Reconnect is used as the dome actor's self-heal hook.
func (d *Dome) Reconnect() error {
	if !d.client.IsConnected() {
		if token := d.client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
	}
	return d.sendCommand(cmdStatus, "")
}

func (d *Dome) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dome) Azimuth() float64 {
	return d.ticksToDegrees(d.Status().Position)
}

func (d *Dome) sendCommand(code cmdCode, value string) error {
	if !d.client.IsConnected() {
		return device.ErrNotConnected
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	// drop a late reply to an earlier command
	select {
	case <-d.responses:
	default:
	}

	msg := formatCommand(code, value)
	d.logger.Debugf("Sending command: %s", msg)
	if token := d.client.Publish(d.topic("commands"), 0, false, msg); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %v", token.Error())
	}

	timer := time.NewTimer(d.config.CommandTimeout.Std())
	defer timer.Stop()

	select {
	case resp := <-d.responses:
		if resp.Error {
			return fmt.Errorf("command failed: %c", resp.Code)
		}
		if resp.Code != code {
			return fmt.Errorf("unexpected response command: %c", resp.Code)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("command %c: %w", code, ErrTimeout)
	}
}

// waitFor blocks until telemetry satisfies done or the slew timeout expires.
func (d *Dome) waitFor(what string, done func(Status) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.SlewTimeout.Std())
	defer cancel()

	for {
		d.mu.Lock()
		ok := d.seen && !d.status.Slewing && done(d.status)
		d.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-d.changed:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ErrTimeout)
		}
	}
}

func (d *Dome) near(ticks, target int) bool {
	diff := ticks - target
	if diff < 0 {
		diff = -diff
	}
	// the encoder wraps at one turn
	if turn := d.config.TicksPerTurn; turn > 0 && diff > turn/2 {
		diff = turn - diff
	}
	return diff <= d.config.Tolerance
}

func (d *Dome) SlewToAzimuth(az float64) error {
	target := d.degreesToTicks(az)
	d.markStale()
	if err := d.sendCommand(cmdGoto, strconv.Itoa(target)); err != nil {
		return err
	}
	return d.waitFor(fmt.Sprintf("slew to %.1f", az), func(st Status) bool {
		return d.near(st.Position, target)
	})
}

func (d *Dome) FindHome() error {
	d.markStale()
	if err := d.sendCommand(cmdHome, ""); err != nil {
		return err
	}
	return d.waitFor("find home", func(st Status) bool { return st.AtHome })
}

func (d *Dome) Park() error {
	target := d.degreesToTicks(d.config.ParkPosition)
	d.markStale()
	if err := d.sendCommand(cmdPark, ""); err != nil {
		return err
	}
	return d.waitFor("park", func(st Status) bool {
		return d.near(st.Position, target)
	})
}

func (d *Dome) AbortSlew() error {
	return d.sendCommand(cmdAbort, "")
}

func (d *Dome) SetShutter(open bool) error {
	if !d.config.UseShutter {
		d.logger.Debug("Shutter not in use, ignoring shutter command")
		return nil
	}
	code := cmdCloseShutter
	if open {
		code = cmdOpenShutter
	}
	return d.sendCommand(code, "")
}

// SetSlaved only records the flag; slaving is done by the mount software.
func (d *Dome) SetSlaved(slaved bool) error {
	d.logger.Infof("Dome slaved: %v", slaved)
	d.mu.Lock()
	d.slaved = slaved
	d.mu.Unlock()
	return nil
}

// markStale makes waitFor ignore telemetry sent before the next command.
func (d *Dome) markStale() {
	d.mu.Lock()
	d.seen = false
	d.mu.Unlock()
}

func (d *Dome) telemetryHandler(_ mqtt.Client, msg mqtt.Message) {
	var t telemetryMsg
	if err := json.Unmarshal(msg.Payload(), &t); err != nil {
		d.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}

	d.mu.Lock()
	d.status.Position = t.Position
	d.status.Target = t.Target
	d.status.AtHome = t.Home == 1
	d.status.Slewing = t.AzState > 0 && t.AzState < 5
	d.status.Link = t.Link == 1
	d.status.Temperature = t.Temperature
	d.status.Humidity = t.Humidity
	d.seen = true
	d.mu.Unlock()

	select {
	case d.changed <- struct{}{}:
	default:
	}
}

func (d *Dome) batteryHandler(_ mqtt.Client, msg mqtt.Message) {
	var b batteryMsg
	if err := json.Unmarshal(msg.Payload(), &b); err != nil {
		d.logger.Errorf("Failed to unmarshal battery message: %v", err)
		return
	}

	d.mu.Lock()
	d.status.BatteryVoltage = b.Voltage
	d.status.BatteryCurrent = b.Current
	d.mu.Unlock()
}

func (d *Dome) responseHandler(_ mqtt.Client, msg mqtt.Message) {
	resp, err := parseResponse(string(msg.Payload()))
	if err != nil {
		d.logger.Errorf("Failed to parse response: %v", err)
		return
	}

	if resp.Code == cmdVersion && !resp.Error {
		if v, ok := resp.Value.(string); ok {
			d.mu.Lock()
			d.status.Version = strings.Trim(v, "()")
			d.mu.Unlock()
			d.logger.Infof("Dome controller firmware version: %s", strings.Trim(v, "()"))
		}
	}

	select {
	case d.responses <- resp:
	case <-time.After(time.Second):
		d.logger.Warnf("Nobody waiting for response %c", resp.Code)
	}
}
