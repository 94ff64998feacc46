package caption

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ModelStatus is the retained per-video model state published to MQTT.
type ModelStatus struct {
	VideoID         string `json:"videoId"`
	Version         string `json:"version"`
	Seed            bool   `json:"seed"`
	Pending         bool   `json:"pending"`
	TrainingSamples int    `json:"trainingSamples"`
	RequiredSamples int    `json:"requiredSamples,omitempty"`
	InCount         int    `json:"inCount"`
	OutCount        int    `json:"outCount"`
	DegradedInverse bool   `json:"degradedInverse,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// recalcStatus is the wire form of recalculation progress and results.
type recalcStatus struct {
	VideoID    string  `json:"videoId"`
	Phase      string  `json:"phase"` // "progress" or "completed"
	Processed  int     `json:"processed"`
	Candidates int     `json:"candidates,omitempty"`
	Reversals  int     `json:"reversals"`
	Rate       float64 `json:"rate"`
	Stopped    bool    `json:"stoppedEarly,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Publisher publishes model and recalculation status to MQTT. It implements
// SessionNotifier so it can be attached directly to a Session.
// If client is nil, publishing is disabled (for testing).
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	statuses      map[string]*ModelStatus
	mu            sync.RWMutex
}

// NewPublisher creates a new status publisher
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "captiona"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for status updates (fire and forget)
		retain:        true, // Retain so late subscribers see the latest state
		statuses:      make(map[string]*ModelStatus),
	}
}

// PublishModel publishes a video's model status to MQTT.
// Publishes to both the individual topic and the combined models topic.
func (p *Publisher) PublishModel(status *ModelStatus) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	status.Timestamp = time.Now().Unix()

	// Store status for combined message
	p.mu.Lock()
	p.statuses[status.VideoID] = status
	p.mu.Unlock()

	// Publish to individual topic: captiona/{videoID}/model
	if err := p.publishIndividual(status); err != nil {
		log.Printf("Error publishing model status for %s: %v", status.VideoID, err)
		return err
	}

	// Publish to combined topic: captiona/models
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined model statuses: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes one video's model status to its own topic
func (p *Publisher) publishIndividual(status *ModelStatus) error {
	topic := fmt.Sprintf("%s/%s/model", p.publishPrefix, status.VideoID)

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling model status: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published model status for %s: version=%s samples=%d pending=%v",
		status.VideoID, status.Version, status.TrainingSamples, status.Pending)
	return nil
}

// publishCombined publishes all video model statuses to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	statuses := make([]*ModelStatus, 0, len(p.statuses))
	for _, status := range p.statuses {
		statuses = append(statuses, status)
	}
	p.mu.RUnlock()

	if len(statuses) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/models", p.publishPrefix)

	message := map[string]interface{}{
		"videos":    statuses,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined model statuses: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// publishRecalc publishes recalculation status to the video's recalc topic.
// Progress messages are not retained; only the completed message is.
func (p *Publisher) publishRecalc(status *recalcStatus) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	status.Timestamp = time.Now().Unix()
	topic := fmt.Sprintf("%s/%s/recalc", p.publishPrefix, status.VideoID)

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling recalc status: %w", err)
	}

	retain := p.retain && status.Phase == "completed"
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetStatus returns the last published model status for a video
func (p *Publisher) GetStatus(videoID string) (*ModelStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, ok := p.statuses[videoID]
	return status, ok
}

// GetAllStatuses returns all published model statuses
func (p *Publisher) GetAllStatuses() map[string]*ModelStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	statuses := make(map[string]*ModelStatus, len(p.statuses))
	for id, status := range p.statuses {
		statusCopy := *status
		statuses[id] = &statusCopy
	}
	return statuses
}

// ClearStatus removes a video's status (e.g., when unloaded)
func (p *Publisher) ClearStatus(videoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, videoID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// ModelUpdated implements SessionNotifier.
func (p *Publisher) ModelUpdated(videoID string, m *Model) {
	err := p.PublishModel(&ModelStatus{
		VideoID:         videoID,
		Version:         m.Version,
		Seed:            m.Seed,
		TrainingSamples: m.TrainingSamples,
		InCount:         m.InCount,
		OutCount:        m.OutCount,
		DegradedInverse: m.DegradedInverse,
	})
	if err != nil {
		log.Printf("Error publishing model update for %s: %v", videoID, err)
	}
}

// ModelPending implements SessionNotifier.
func (p *Publisher) ModelPending(videoID string, have, need int) {
	err := p.PublishModel(&ModelStatus{
		VideoID:         videoID,
		Pending:         true,
		TrainingSamples: have,
		RequiredSamples: need,
	})
	if err != nil {
		log.Printf("Error publishing pending status for %s: %v", videoID, err)
	}
}

// RecalcProgress implements SessionNotifier.
func (p *Publisher) RecalcProgress(videoID string, prog RecalcProgress) {
	err := p.publishRecalc(&recalcStatus{
		VideoID:    videoID,
		Phase:      "progress",
		Processed:  prog.Processed,
		Candidates: prog.Candidates,
		Reversals:  prog.Reversals,
		Rate:       prog.WindowRate,
	})
	if err != nil {
		log.Printf("Error publishing recalc progress for %s: %v", videoID, err)
	}
}

// RecalcCompleted implements SessionNotifier.
func (p *Publisher) RecalcCompleted(videoID string, r RecalcResult) {
	err := p.publishRecalc(&recalcStatus{
		VideoID:   videoID,
		Phase:     "completed",
		Processed: r.TotalProcessed,
		Reversals: r.TotalReversals,
		Rate:      r.FinalReversalRate,
		Stopped:   r.StoppedEarly,
		Reason:    string(r.Reason),
	})
	if err != nil {
		log.Printf("Error publishing recalc result for %s: %v", videoID, err)
	}
}
