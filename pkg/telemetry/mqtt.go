// Package telemetry publishes focus and device events to MQTT and InfluxDB.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/config"
	"observatory/pkg/device"
	"observatory/pkg/focus"
)

const publishTimeout = 2 * time.Second

// Dial connects to the MQTT broker described by cfg.
func Dial(cfg config.MQTTConfig, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Host)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Publisher sends focus events as JSON under <root>/focus/... and actor
// states, retained, under <root>/devices/<name>.
type Publisher struct {
	client mqtt.Client
	root   string
	qos    byte
	logger log.FieldLogger
}

func NewPublisher(client mqtt.Client, cfg config.MQTTConfig, logger log.FieldLogger) *Publisher {
	return &Publisher{
		client: client,
		root:   strings.TrimSuffix(cfg.TopicRoot, "/"),
		qos:    byte(cfg.QoS),
		logger: logger.WithField("component", "mqtt"),
	}
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	token := p.client.Publish(p.root+"/"+topic, p.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %v", topic, err)
	}
	return nil
}

func (p *Publisher) FocusSample(s focus.Sample) {
	if err := p.publish("focus/sample", false, s); err != nil {
		p.logger.Warn(err)
	}
}

func (p *Publisher) FocusResult(r focus.Result) {
	if err := p.publish("focus/result", true, r); err != nil {
		p.logger.Warn(err)
	}
}

func (p *Publisher) FocusCorrection(c focus.Correction) {
	if err := p.publish("focus/correction", false, c); err != nil {
		p.logger.Warn(err)
	}
}

type deviceState struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Busy     bool   `json:"busy"`
	Crashed  bool   `json:"crashed"`
	Queued   int    `json:"queued"`
	Executed uint64 `json:"executed"`
	Crashes  uint64 `json:"crashes"`
}

// PublishDevices publishes one retained message per actor.
func (p *Publisher) PublishDevices(states []device.State) error {
	for _, st := range states {
		msg := deviceState{
			Kind:     st.Kind.String(),
			Name:     st.Name,
			Busy:     st.Busy,
			Crashed:  st.Crashed,
			Queued:   st.Queued,
			Executed: st.Executed,
			Crashes:  st.Crashes,
		}
		if err := p.publish("devices/"+topicName(st.Name), true, msg); err != nil {
			return err
		}
	}
	return nil
}

// ReportDevices publishes the actor states every interval until ctx ends.
func (p *Publisher) ReportDevices(ctx context.Context, interval time.Duration, states func() []device.State) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.PublishDevices(states()); err != nil {
			p.logger.Warnf("Error publishing device states: %v", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func topicName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
