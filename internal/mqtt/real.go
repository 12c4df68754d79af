package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// bufferCapacity bounds how many messages are held while disconnected.
const bufferCapacity = 256

// RealPublisher publishes to an actual MQTT broker. Messages that cannot be
// delivered while the connection is down are held in a ring buffer and
// replayed on reconnect.
type RealPublisher struct {
	client paho.Client

	mu       sync.Mutex
	buffer   *outbox
	commands *Commands
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker, clientID string) (*RealPublisher, error) {
	p := &RealPublisher{
		buffer: newOutbox(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() })

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Publish sends a valve event to the MQTT broker, buffering it if the
// connection is down.
func (p *RealPublisher) Publish(event ValveEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 0 (at-most-once), not retained
	return p.publish(TopicEvents, 0, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker,
// buffering it if the connection is down.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	msg := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}

	if !p.client.IsConnected() {
		p.bufferMsg(msg)
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.bufferMsg(msg)
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		p.bufferMsg(msg)
		return fmt.Errorf("publish on %s: %w", topic, err)
	}
	return nil
}

func (p *RealPublisher) bufferMsg(msg bufferedMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer.push(msg)
}

// onConnect replays buffered messages and re-establishes command
// subscriptions after (re)connection.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	msgs := p.buffer.drainAll()
	commands := p.commands
	p.mu.Unlock()

	if len(msgs) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(msgs))
	}
	for i, msg := range msgs {
		token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			// Connection dropped again; keep the rest for next time.
			p.mu.Lock()
			for _, m := range msgs[i:] {
				p.buffer.push(m)
			}
			p.mu.Unlock()
			return
		}
	}

	if commands != nil {
		if err := p.subscribeCommands(commands); err != nil {
			log.Printf("mqtt: resubscribe: %v", err)
		}
	}
}

// SubscribeCommands routes the temperature, target and bake topics into c,
// now and after every reconnect.
func (p *RealPublisher) SubscribeCommands(c *Commands) error {
	p.mu.Lock()
	p.commands = c
	p.mu.Unlock()

	if !p.client.IsConnected() {
		return nil
	}
	return p.subscribeCommands(c)
}

func (p *RealPublisher) subscribeCommands(c *Commands) error {
	routes := []struct {
		topic   string
		handler func(string) error
	}{
		{TopicTemperature, c.HandleTemperature},
		{TopicTarget, c.HandleTarget},
		{TopicBake, c.HandleBake},
	}
	for _, r := range routes {
		topic, handler := r.topic, r.handler
		token := p.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			if err := handler(string(msg.Payload())); err != nil {
				log.Printf("mqtt: bad payload on %s: %v", topic, err)
			}
		})
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe timeout on %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// BufferedCount returns how many messages are waiting for reconnection.
func (p *RealPublisher) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
