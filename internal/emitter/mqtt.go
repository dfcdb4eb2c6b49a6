package emitter

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker      string // host:port
	TopicPrefix string
	ClientID    string // empty = "cddm-<uuid>"
}

// MQTTPublisher publishes events as JSON to <prefix>/<session>/<kind>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTPublisher wraps an already configured client. Tests pass a fake.
func NewMQTTPublisher(client mqtt.Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix}
}

// ConnectMQTT connects to the broker and returns a publisher.
func ConnectMQTT(o MQTTOptions) (*MQTTPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = "cddm-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", o.Broker))
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		debug.Warn("mqtt connection lost, will auto-reconnect: %v", err)
	}

	client := mqtt.NewClient(opts)
	debug.Info("Connecting to MQTT broker %s as %s", o.Broker, o.ClientID)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return NewMQTTPublisher(client, o.TopicPrefix), nil
}

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, ev.Session, ev.Kind)
}

func (p *MQTTPublisher) Publish(ev Event) error {
	if !p.client.IsConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := p.Topic(ev)
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	debug.Trace("mqtt published %s (%d bytes)", topic, len(payload))
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns the number of published events and failures.
func (p *MQTTPublisher) Stats() (published, errors uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		debug.Info("mqtt disconnected")
	}
}
