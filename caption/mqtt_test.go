package caption

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mqttTestConfig() *Config {
	return &Config{
		DBPath: "/tmp/captiona-test.db",
		MQTT:   MQTTConfig{PublishPrefix: "captiona"},
		Videos: []VideoConfig{{ID: "vid1"}, {ID: ""}, {ID: "vid2"}},
	}
}

func resetGlobalClient(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		clientMu.Lock()
		globalClient = nil
		clientMu.Unlock()
	})
}

func TestInitMQTT_DisabledWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	config := mqttTestConfig()
	config.MQTT.Broker = ""

	client, err := InitMQTT(config, nil)
	assert.NoError(t, err)
	assert.Nil(t, client, "no broker anywhere should disable MQTT")
}

func TestInitMQTT_RequiresVideoConfig(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")

	config := mqttTestConfig()
	config.Videos = nil

	_, err := InitMQTT(config, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no video configuration")

	_, err = InitMQTT(nil, nil)
	assert.Error(t, err)
}

func TestInitMQTT_ReturnsImmediately(t *testing.T) {
	// Connection happens in the background; Init must not block on an
	// unreachable broker.
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1")
	resetGlobalClient(t)

	start := time.Now()
	client, err := InitMQTT(mqttTestConfig(), nil)
	duration := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Disconnect()

	assert.Less(t, duration, 100*time.Millisecond, "connect must happen asynchronously")
	assert.False(t, client.IsConnected(), "freshly initialized client cannot be connected yet")
	assert.Equal(t, client, GetMQTTClient())
}

func TestGetMQTTClient_NilBeforeInit(t *testing.T) {
	resetGlobalClient(t)
	clientMu.Lock()
	globalClient = nil
	clientMu.Unlock()

	assert.Nil(t, GetMQTTClient())
}

func TestAnnotationTopic(t *testing.T) {
	assert.Equal(t, "captiona/ep01/annotations", AnnotationTopic("captiona", "ep01"))
	assert.Equal(t, "custom/prefix/vid/annotations", AnnotationTopic("custom/prefix", "vid"))
}

func TestDeriveCommandTopic(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		expected string
		shouldOK bool
	}{
		{"standard topic", "captiona/ep01/annotations", "captiona/ep01/commands", true},
		{"deep prefix", "org/site/ep01/annotations", "org/site/ep01/commands", true},
		{"two segments", "captiona/annotations", "captiona/commands", true},
		{"no slash", "annotations", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := deriveCommandTopic(tt.topic)
			assert.Equal(t, tt.shouldOK, ok)
			if tt.shouldOK {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestDecodeAnnotationEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *AnnotationEvent
		wantErr string
	}{
		{
			name:    "set with label in",
			payload: `{"boxId": 7, "label": "in"}`,
			want:    &AnnotationEvent{BoxID: 7, Label: LabelIn, Action: ActionSet},
		},
		{
			name:    "explicit set action",
			payload: `{"boxId": 9, "label": "out", "action": "set", "source": "human"}`,
			want:    &AnnotationEvent{BoxID: 9, Label: LabelOut, Source: "human", Action: ActionSet},
		},
		{
			name:    "delete needs no label",
			payload: `{"boxId": 3, "action": "delete"}`,
			want:    &AnnotationEvent{BoxID: 3, Action: ActionDelete},
		},
		{
			name:    "missing box id",
			payload: `{"label": "in"}`,
			wantErr: "missing boxId",
		},
		{
			name:    "invalid label",
			payload: `{"boxId": 4, "label": "maybe"}`,
			wantErr: "invalid label",
		},
		{
			name:    "set without label",
			payload: `{"boxId": 4}`,
			wantErr: "invalid label",
		},
		{
			name:    "unknown action",
			payload: `{"boxId": 4, "action": "upsert"}`,
			wantErr: "unknown action",
		},
		{
			name:    "malformed json",
			payload: `{"boxId": `,
			wantErr: "parsing annotation event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAnnotationEvent([]byte(tt.payload))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnnotationHandler_ValidEvent(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)

	var mu sync.Mutex
	var gotVideo string
	var gotEvent *AnnotationEvent
	var gotErr error

	client := newMQTTClientWithMock(mockClient, mqttTestConfig(),
		func(videoID string, raw []byte, event *AnnotationEvent, err error) {
			mu.Lock()
			defer mu.Unlock()
			gotVideo, gotEvent, gotErr = videoID, event, err
		})

	topic := "captiona/vid1/annotations"
	mockClient.Subscribe(topic, 1, client.createAnnotationHandler("vid1"))
	mockClient.SimulateMessage(topic, []byte(`{"boxId": 42, "label": "in"}`))

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, gotErr)
	assert.Equal(t, "vid1", gotVideo)
	require.NotNil(t, gotEvent)
	assert.Equal(t, int64(42), gotEvent.BoxID)
	assert.Equal(t, LabelIn, gotEvent.Label)
}

func TestAnnotationHandler_MalformedPayloadStillReported(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)

	var mu sync.Mutex
	var gotRaw []byte
	var gotEvent *AnnotationEvent
	var gotErr error

	client := newMQTTClientWithMock(mockClient, mqttTestConfig(),
		func(videoID string, raw []byte, event *AnnotationEvent, err error) {
			mu.Lock()
			defer mu.Unlock()
			gotRaw, gotEvent, gotErr = raw, event, err
		})

	topic := "captiona/vid1/annotations"
	mockClient.Subscribe(topic, 1, client.createAnnotationHandler("vid1"))
	mockClient.SimulateMessage(topic, []byte(`not json at all`))

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
	assert.Nil(t, gotEvent)
	assert.Equal(t, []byte(`not json at all`), gotRaw, "raw payload rides along for archival")
}

func TestAnnotationHandler_NilCallbackDoesNotPanic(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)

	client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)
	topic := "captiona/vid1/annotations"
	mockClient.Subscribe(topic, 1, client.createAnnotationHandler("vid1"))

	assert.NotPanics(t, func() {
		mockClient.SimulateMessage(topic, []byte(`{"boxId": 1, "label": "in"}`))
		mockClient.SimulateMessage(topic, []byte(`garbage`))
	})
}

func TestOnConnect_SubscribesConfiguredVideos(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)

	client.onConnect(mockClient)

	topics := mockClient.SubscribedTopics()
	assert.ElementsMatch(t, []string{
		"captiona/vid1/annotations",
		"captiona/vid1/commands",
		"captiona/vid2/annotations",
		"captiona/vid2/commands",
	}, topics, "one annotation and one command topic per video, empty IDs skipped")

	assert.True(t, client.IsConnected())
}

func TestOnConnectionLost(t *testing.T) {
	mockClient := NewMockClient()
	client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)

	client.setConnected(true)
	client.onConnectionLost(mockClient, errors.New("broken pipe"))
	assert.False(t, client.IsConnected())
}

func TestCommandHandler_RescoreFormats(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		triggers bool
	}{
		{"json object", `{"value": "rescore"}`, true},
		{"json string", `"rescore"`, true},
		{"raw string", `rescore`, true},
		{"raw with whitespace", "  rescore\n", true},
		{"different command", `{"value": "reboot"}`, false},
		{"whitespace only", "   ", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MQTT_PUBLISH_PREFIX", "")

			mockClient := NewMockClient()
			mockClient.SetConnected(true)
			client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)
			client.onConnect(mockClient)

			var mu sync.Mutex
			var rescored []string
			client.SetRescoreHandler(func(videoID string) {
				mu.Lock()
				defer mu.Unlock()
				rescored = append(rescored, videoID)
			})

			mockClient.SimulateMessage("captiona/vid1/commands", []byte(tt.payload))

			mu.Lock()
			defer mu.Unlock()
			if tt.triggers {
				assert.Equal(t, []string{"vid1"}, rescored)
			} else {
				assert.Empty(t, rescored)
			}
		})
	}
}

func TestCommandHandler_NoHandlerRegistered(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)
	client.onConnect(mockClient)

	assert.NotPanics(t, func() {
		mockClient.SimulateMessage("captiona/vid1/commands", []byte(`rescore`))
	})
}

func TestTopicPrefix(t *testing.T) {
	config := mqttTestConfig()
	config.MQTT.PublishPrefix = "studio/subs"
	client := newMQTTClientWithMock(NewMockClient(), config, nil)

	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, "studio/subs", client.topicPrefix(), "config prefix wins without env override")

	t.Setenv("MQTT_PUBLISH_PREFIX", "override")
	assert.Equal(t, "override", client.topicPrefix(), "env prefix wins over config")

	bare := newMQTTClientWithMock(NewMockClient(), &Config{}, nil)
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, "captiona", bare.topicPrefix(), "default prefix with nothing configured")
}

func TestDisconnect(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	client := newMQTTClientWithMock(mockClient, mqttTestConfig(), nil)
	client.setConnected(true)

	client.Disconnect()
	assert.False(t, mockClient.IsConnected())
	assert.False(t, client.IsConnected())
}

func TestDisconnect_NeverConnected(t *testing.T) {
	client := newMQTTClientWithMock(NewMockClient(), mqttTestConfig(), nil)
	assert.NotPanics(t, func() { client.Disconnect() })
}
