package caption

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// AnnotationEvent is the wire form of one annotation action.
type AnnotationEvent struct {
	BoxID  int64  `json:"boxId"`
	Label  Label  `json:"label,omitempty"`
	Source string `json:"source,omitempty"`
	// Action is "set" (default when empty) or "delete".
	Action string `json:"action,omitempty"`
}

// AnnotationEvent actions.
const (
	ActionSet    = "set"
	ActionDelete = "delete"
)

// AnnotationHandler is called when an annotation event arrives for a video.
// rawPayload is provided so callers can log or archive malformed messages.
type AnnotationHandler func(videoID string, rawPayload []byte, event *AnnotationEvent, err error)

// RescoreHandler is called when a video's command topic requests a full
// re-scoring pass.
type RescoreHandler func(videoID string)

// MQTTClient manages the MQTT connection and per-video subscriptions for
// annotation events.
type MQTTClient struct {
	client            mqtt.Client
	config            *Config
	annotationHandler AnnotationHandler
	rescoreHandler    RescoreHandler
	isConnected       bool
	mu                sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration.
// If MQTT_BROKER env var and config broker are both empty, MQTT is disabled
// and this returns nil.
func InitMQTT(config *Config, handler AnnotationHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Videos) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no video configuration provided")
	}

	client := &MQTTClient{
		config:            config,
		annotationHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "captiona"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)   // Longer than default 30s to reduce spurious disconnects
	opts.SetPingTimeout(10 * time.Second) // Timeout for ping response
	opts.SetCleanSession(false)           // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)           // Allow concurrent processing

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	// Connect asynchronously with retry
	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every configured video's annotation and command
// topics. Runs on first connect and again after each reconnect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to video topics...")
	c.setConnected(true)

	prefix := c.topicPrefix()
	for _, video := range c.config.Videos {
		if video.ID == "" {
			log.Println("Warning: video with empty ID in config, skipping subscription")
			continue
		}

		topic := AnnotationTopic(prefix, video.ID)
		log.Printf("Subscribing to %s for video %s", topic, video.ID)
		token := client.Subscribe(topic, 1, c.createAnnotationHandler(video.ID))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", topic)
		}

		if cmdTopic, ok := deriveCommandTopic(topic); ok {
			log.Printf("Subscribing to %s for video %s commands", cmdTopic, video.ID)
			cmdToken := client.Subscribe(cmdTopic, 1, c.createCommandHandler(video.ID))

			if cmdToken.WaitTimeout(5*time.Second) && cmdToken.Error() != nil {
				log.Printf("Error subscribing to %s: %v", cmdTopic, cmdToken.Error())
			} else {
				log.Printf("Successfully subscribed to %s", cmdTopic)
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

func (c *MQTTClient) topicPrefix() string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && c.config != nil && c.config.MQTT.PublishPrefix != "" {
		prefix = c.config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = "captiona"
	}
	return prefix
}

// AnnotationTopic returns the intake topic for one video's annotation events.
func AnnotationTopic(prefix, videoID string) string {
	return fmt.Sprintf("%s/%s/annotations", prefix, videoID)
}

// deriveCommandTopic converts an annotation topic to the matching command
// topic. Example: "captiona/ep01/annotations" -> "captiona/ep01/commands".
// Returns the derived topic and true if the conversion succeeded.
func deriveCommandTopic(annotationTopic string) (string, bool) {
	parts := strings.Split(annotationTopic, "/")
	if len(parts) < 2 {
		return "", false
	}
	parts[len(parts)-1] = "commands"
	return strings.Join(parts, "/"), true
}

// DecodeAnnotationEvent parses and validates one annotation event payload.
func DecodeAnnotationEvent(payload []byte) (*AnnotationEvent, error) {
	var event AnnotationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parsing annotation event: %w", err)
	}
	if event.BoxID <= 0 {
		return nil, fmt.Errorf("annotation event missing boxId")
	}
	if event.Action == "" {
		event.Action = ActionSet
	}
	switch event.Action {
	case ActionSet:
		if event.Label != LabelIn && event.Label != LabelOut {
			return nil, fmt.Errorf("annotation event has invalid label %q", event.Label)
		}
	case ActionDelete:
	default:
		return nil, fmt.Errorf("annotation event has unknown action %q", event.Action)
	}
	return &event, nil
}

// createAnnotationHandler creates a handler function for one video's
// annotation topic.
func (c *MQTTClient) createAnnotationHandler(videoID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received annotation event for %s (topic: %s, size: %d bytes)",
			videoID, msg.Topic(), len(payload))

		event, err := DecodeAnnotationEvent(payload)
		if err != nil {
			log.Printf("Error decoding annotation event for %s: %v", videoID, err)
			if c.annotationHandler != nil {
				c.annotationHandler(videoID, payload, nil, err)
			}
			return
		}

		if c.annotationHandler != nil {
			c.annotationHandler(videoID, payload, event, nil)
		}
	}
}

// SetRescoreHandler registers a callback invoked when a video's command
// topic requests a full re-scoring pass.
func (c *MQTTClient) SetRescoreHandler(handler RescoreHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rescoreHandler = handler
}

// getRescoreHandler returns the current rescore handler in a thread-safe manner
func (c *MQTTClient) getRescoreHandler() RescoreHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rescoreHandler
}

// commandPayload represents the JSON structure of a command message
type commandPayload struct {
	Value string `json:"value"`
}

// createCommandHandler creates a handler for command topic messages. The
// only recognized command is "rescore", which triggers a full prediction
// pass for the video.
func (c *MQTTClient) createCommandHandler(videoID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received command for %s (topic: %s, size: %d bytes)",
			videoID, msg.Topic(), len(payload))

		var commandValue string

		// Try parsing as JSON object {"value": "..."}
		var cmd commandPayload
		if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Value != "" {
			commandValue = cmd.Value
		} else {
			// Try parsing as JSON string "rescore"
			var plainStr string
			if err2 := json.Unmarshal(payload, &plainStr); err2 == nil {
				commandValue = plainStr
			} else {
				// Use raw string with whitespace trimmed
				commandValue = strings.TrimSpace(string(payload))
				if commandValue == "" {
					log.Printf("Empty command payload for %s, skipping", videoID)
					return
				}
			}
		}

		log.Printf("Video %s command: %s", videoID, commandValue)

		if commandValue == "rescore" {
			handler := c.getRescoreHandler()
			if handler != nil {
				handler(videoID)
			}
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler AnnotationHandler) *MQTTClient {
	return &MQTTClient{
		client:            client,
		config:            config,
		annotationHandler: handler,
	}
}
