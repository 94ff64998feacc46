package caption

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}

	if hub.clients == nil {
		t.Error("Clients map should be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if cap(hub.broadcast) != 256 {
		t.Errorf("Broadcast queue capacity = %d, want 256", cap(hub.broadcast))
	}
}

// drainEvent pulls one queued envelope off the hub without running its loop.
func drainEvent(t *testing.T, hub *Hub) WSMessage {
	t.Helper()

	select {
	case raw := <-hub.broadcast:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Failed to unmarshal envelope: %v", err)
		}
		return msg
	default:
		t.Fatal("No event queued on the hub")
		return WSMessage{}
	}
}

func TestHub_ModelUpdatedEvent(t *testing.T) {
	hub := NewHub()

	hub.ModelUpdated("vid1", &Model{
		Version:         "v2",
		TrainingSamples: 8,
		InCount:         4,
		OutCount:        4,
	})

	msg := drainEvent(t, hub)
	if msg.Type != WSModelUpdated {
		t.Errorf("Type = %s, want %s", msg.Type, WSModelUpdated)
	}
	if msg.VideoID != "vid1" {
		t.Errorf("VideoID = %s, want vid1", msg.VideoID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	var data wsModelData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal event data: %v", err)
	}
	if data.Version != "v2" {
		t.Errorf("Version = %s, want v2", data.Version)
	}
	if data.TrainingSamples != 8 || data.InCount != 4 || data.OutCount != 4 {
		t.Errorf("Counts = (%d, %d, %d), want (8, 4, 4)",
			data.TrainingSamples, data.InCount, data.OutCount)
	}
}

func TestHub_ModelPendingEvent(t *testing.T) {
	hub := NewHub()

	hub.ModelPending("vid1", 2, 4)

	msg := drainEvent(t, hub)
	if msg.Type != WSModelPending {
		t.Errorf("Type = %s, want %s", msg.Type, WSModelPending)
	}

	var data wsModelData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal event data: %v", err)
	}
	if data.TrainingSamples != 2 {
		t.Errorf("TrainingSamples = %d, want 2", data.TrainingSamples)
	}
	if data.RequiredSamples != 4 {
		t.Errorf("RequiredSamples = %d, want 4", data.RequiredSamples)
	}
}

func TestHub_RecalcEvents(t *testing.T) {
	hub := NewHub()

	hub.RecalcProgress("vid1", RecalcProgress{
		Processed:  20,
		Candidates: 100,
		Reversals:  3,
		WindowRate: 0.15,
	})
	hub.RecalcCompleted("vid1", RecalcResult{
		TotalProcessed:    60,
		TotalReversals:    5,
		FinalReversalRate: 0.04,
		StoppedEarly:      true,
		Reason:            StopReversalRate,
	})

	progressMsg := drainEvent(t, hub)
	if progressMsg.Type != WSRecalcProgress {
		t.Errorf("Type = %s, want %s", progressMsg.Type, WSRecalcProgress)
	}
	var progress RecalcProgress
	if err := json.Unmarshal(progressMsg.Data, &progress); err != nil {
		t.Fatalf("Failed to unmarshal progress data: %v", err)
	}
	if progress.Processed != 20 || progress.Candidates != 100 {
		t.Errorf("Progress = (%d of %d), want (20 of 100)", progress.Processed, progress.Candidates)
	}

	completedMsg := drainEvent(t, hub)
	if completedMsg.Type != WSRecalcCompleted {
		t.Errorf("Type = %s, want %s", completedMsg.Type, WSRecalcCompleted)
	}
	var result RecalcResult
	if err := json.Unmarshal(completedMsg.Data, &result); err != nil {
		t.Fatalf("Failed to unmarshal result data: %v", err)
	}
	if result.TotalProcessed != 60 || !result.StoppedEarly {
		t.Errorf("Result = (%d processed, early=%v), want (60, true)",
			result.TotalProcessed, result.StoppedEarly)
	}
	if result.Reason != StopReversalRate {
		t.Errorf("Reason = %s, want %s", result.Reason, StopReversalRate)
	}
}

func TestHub_BroadcastDropsWhenQueueFull(t *testing.T) {
	hub := NewHub()

	// Nobody draining the queue; fill it past capacity.
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Broadcast([]byte(`{"type":"test"}`))
	}

	if len(hub.broadcast) != cap(hub.broadcast) {
		t.Errorf("Queue length = %d, want %d (overflow must be dropped, not block)",
			len(hub.broadcast), cap(hub.broadcast))
	}
}

// waitForClientCount polls until the hub sees the expected number of clients.
func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func TestHub_ClientReceivesEvents(t *testing.T) {
	hub := NewHub()
	go hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dialHub(t, server)
	defer conn.Close()
	waitForClientCount(t, hub, 1)

	hub.ModelUpdated("vid1", &Model{Version: "v3", TrainingSamples: 10})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Failed to unmarshal received envelope: %v", err)
	}
	if msg.Type != WSModelUpdated {
		t.Errorf("Type = %s, want %s", msg.Type, WSModelUpdated)
	}
	if msg.VideoID != "vid1" {
		t.Errorf("VideoID = %s, want vid1", msg.VideoID)
	}
}

func TestHub_MultipleClientsReceiveSameEvent(t *testing.T) {
	hub := NewHub()
	go hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn1 := dialHub(t, server)
	defer conn1.Close()
	conn2 := dialHub(t, server)
	defer conn2.Close()
	waitForClientCount(t, hub, 2)

	hub.ModelPending("vid1", 3, 4)

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Client %d read failed: %v", i+1, err)
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Client %d unmarshal failed: %v", i+1, err)
		}
		if msg.Type != WSModelPending {
			t.Errorf("Client %d type = %s, want %s", i+1, msg.Type, WSModelPending)
		}
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub := NewHub()
	go hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dialHub(t, server)
	waitForClientCount(t, hub, 1)

	conn.Close()
	waitForClientCount(t, hub, 0)
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub()
	go hub.Start()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dialHub(t, server)
	defer conn.Close()
	waitForClientCount(t, hub, 1)

	hub.Stop()
	waitForClientCount(t, hub, 0)
}

func BenchmarkHub_SendEvent(b *testing.B) {
	hub := NewHub()
	model := &Model{Version: "v3", TrainingSamples: 10, InCount: 5, OutCount: 5}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.ModelUpdated("vid1", model)
		<-hub.broadcast
	}
}
