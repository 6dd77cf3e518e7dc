package mqttc

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultBroker = "tcp://127.0.0.1:1883"

type Client struct {
	Client mqtt.Client
}

// NewClientWithHandler lets callers provide an OnConnect handler, which is
// also where subscriptions belong so they survive reconnects. The client does
// not reconnect on its own; the caller decides when to call Connect again.
func NewClientWithHandler(clientID, broker string, onConnect mqtt.OnConnectHandler) *Client {
	c := mqtt.NewClient(clientOptions(clientID, broker, onConnect, false))
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("[mqtt] connect error: %v", token.Error())
	}
	return &Client{Client: c}
}

// NewReconnectingClient keeps retrying the initial connection and reconnects
// after a lost connection. onConnect runs after every successful connect.
func NewReconnectingClient(clientID, broker string, onConnect mqtt.OnConnectHandler) *Client {
	c := mqtt.NewClient(clientOptions(clientID, broker, onConnect, true))
	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("[mqtt] broker not reachable yet, retrying in background")
	} else if token.Error() != nil {
		log.Printf("[mqtt] connect error: %v", token.Error())
	}
	return &Client{Client: c}
}

func clientOptions(clientID, broker string, onConnect mqtt.OnConnectHandler, autoReconnect bool) *mqtt.ClientOptions {
	if broker == "" {
		broker = os.Getenv("MQTT_BROKER")
		if broker == "" {
			broker = defaultBroker
		}
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(autoReconnect).
		SetConnectRetry(autoReconnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[mqtt] connection lost: %v", err)
		})
	if autoReconnect {
		opts.SetConnectRetryInterval(5 * time.Second)
	}
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	return opts
}

var errNoClient = errors.New("mqtt: no client")

func (c *Client) IsConnected() bool {
	return c != nil && c.Client != nil && c.Client.IsConnected()
}

// Connect blocks until the broker accepts or refuses the connection.
func (c *Client) Connect() error {
	if c == nil || c.Client == nil {
		return errNoClient
	}
	token := c.Client.Connect()
	token.Wait()
	return token.Error()
}

func (c *Client) Publish(topic string, payload []byte) {
	c.publish(topic, false, payload)
}

// PublishRetained keeps payload on the broker for late subscribers.
func (c *Client) PublishRetained(topic string, payload []byte) {
	c.publish(topic, true, payload)
}

func (c *Client) publish(topic string, retained bool, payload []byte) {
	if c == nil || c.Client == nil {
		return
	}
	token := c.Client.Publish(topic, 0, retained, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("[mqtt] publish %s: %v", topic, token.Error())
	}
}

func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) {
	if c == nil || c.Client == nil {
		return
	}
	token := c.Client.Subscribe(topic, 0, handler)
	token.Wait()
	if token.Error() != nil {
		log.Printf("[mqtt] subscribe error: %v", token.Error())
	}
}

func (c *Client) Disconnect() {
	if c == nil || c.Client == nil {
		return
	}
	c.Client.Disconnect(250)
}

// Topic layout shared by agents and the controller.
const (
	TopicCommandsAll = "lab/commands/all"
	TopicStatusAll   = "lab/status/#"
	TopicTreeAll     = "lab/tree/#"
	TopicTraceAll    = "lab/trace/#"
)

func CommandTopic(agentID string) string { return "lab/commands/" + agentID }
func StatusTopic(agentID string) string { return "lab/status/" + agentID }
func TreeTopic(agentID string) string { return "lab/tree/" + agentID }
func TraceTopic(agentID string) string { return "lab/trace/" + agentID }

// AgentIDFromTopic returns the last segment of a per-agent topic.
func AgentIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}
