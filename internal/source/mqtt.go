package source

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleet-tracker/internal/fleet"
)

// MQTTCache subscribes to device telemetry and serves the latest payload per
// topic as a pollable snapshot. Entries older than the staleness window are
// left out and evicted.
type MQTTCache struct {
	broker     string
	clientID   string
	topic      string
	staleAfter time.Duration
	now        func() time.Time

	client mqtt.Client

	mu     sync.Mutex
	latest map[string]entry
}

type entry struct {
	records []fleet.Record
	at      time.Time
}

func NewMQTTCache(broker, clientID, topic string, staleAfter time.Duration) *MQTTCache {
	return &MQTTCache{
		broker:     broker,
		clientID:   clientID,
		topic:      topic,
		staleAfter: staleAfter,
		now:        time.Now,
		latest:     make(map[string]entry),
	}
}

// Connect dials the broker and subscribes to the telemetry topic.
func (c *MQTTCache) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.broker, token.Error())
	}
	log.Printf("connected to MQTT broker at %s", c.broker)

	token := client.Subscribe(c.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.handle(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", c.topic, token.Error())
	}
	log.Printf("subscribed to MQTT topic %s", c.topic)
	c.client = client
	return nil
}

func (c *MQTTCache) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func (c *MQTTCache) handle(topic string, payload []byte) {
	recs, err := DecodeRecords(payload)
	if err != nil {
		log.Printf("mqtt payload on %s: %v", topic, err)
		return
	}
	c.mu.Lock()
	c.latest[topic] = entry{records: recs, at: c.now()}
	c.mu.Unlock()
}

// Fetch returns the fresh records ordered by topic.
func (c *MQTTCache) Fetch(ctx context.Context) ([]fleet.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.latest))
	for t, e := range c.latest {
		if c.staleAfter > 0 && now.Sub(e.at) > c.staleAfter {
			delete(c.latest, t)
			continue
		}
		topics = append(topics, t)
	}
	sort.Strings(topics)

	out := make([]fleet.Record, 0, len(topics))
	for _, t := range topics {
		out = append(out, c.latest[t].records...)
	}
	return out, nil
}
