package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sensitiveKeys is the fixed set of payload keys the redaction policy
// transforms before an event reaches an external sink.
var sensitiveKeys = map[string]struct{}{
	"token":       {},
	"secret":      {},
	"password":    {},
	"credential":  {},
	"private_key": {},
	"api_key":     {},
}

// RedactionPolicy mirrors the config group of §6.
type RedactionPolicy struct {
	Enabled            bool
	SensitiveTransform string // "hash" | "redact"
	BreakGlassAllowed  bool
	BreakGlassTTLMS    int64
}

// Redact applies the policy's transform to every sensitive-keyed value in
// payload, returning a new map (the original is left untouched).
func Redact(payload map[string]interface{}, policy RedactionPolicy) map[string]interface{} {
	if !policy.Enabled || payload == nil {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = transformSensitive(v, policy.SensitiveTransform)
			continue
		}
		out[k] = v
	}
	return out
}

func transformSensitive(v interface{}, transform string) interface{} {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	switch transform {
	case "redact":
		return "[redacted]"
	default: // "hash"
		sum := sha256.Sum256([]byte(s))
		return "sha256:" + hex.EncodeToString(sum[:])
	}
}

// RpcEvent is the internal event a daemon component emits before it is
// enveloped for sink dispatch.
type RpcEvent struct {
	EventType string
	Severity  string
	Payload   map[string]interface{}
}

// EventSinkEnvelope is the external wire shape of a dispatched event (§6
// "Event envelopes").
type EventSinkEnvelope struct {
	RuntimeID       string                 `json:"runtime_id"`
	StreamID        string                 `json:"stream_id"`
	SeqNo           uint64                 `json:"seq_no"`
	ContractVersion uint16                 `json:"contract_version"`
	TSMillis        int64                  `json:"ts_ms"`
	EventType       string                 `json:"event_type"`
	Severity        string                 `json:"severity"`
	Payload         map[string]interface{} `json:"payload"`
	Extensions      map[string]interface{} `json:"extensions,omitempty"`
}

// EventSinkBridge is one configurable side-channel a dispatched event may be
// forwarded to.
type EventSinkBridge interface {
	SinkID() string
	SinkKind() string
	Publish(envelope EventSinkEnvelope) error
}

// EventSinkConfig mirrors the config group of §6.
type EventSinkConfig struct {
	Enabled       bool
	MaxEventBytes int
	AllowKinds    []string
}

// EventSinkManager fans a published event out to every configured bridge
// whose kind is allow-listed, applying the redaction policy first.
type EventSinkManager struct {
	mu        sync.RWMutex
	cfg       EventSinkConfig
	redaction RedactionPolicy
	bridges   []EventSinkBridge
	errorTotal uint64
	log       *logrus.Logger
}

// NewEventSinkManager constructs a manager over the given bridges.
func NewEventSinkManager(bridges []EventSinkBridge, log *logrus.Logger) *EventSinkManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EventSinkManager{bridges: bridges, log: log}
}

// Configure replaces the manager's sink and redaction configuration.
func (m *EventSinkManager) Configure(cfg EventSinkConfig, redaction RedactionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.redaction = redaction
}

func (m *EventSinkManager) allowed(kind string) bool {
	if len(m.cfg.AllowKinds) == 0 {
		return true
	}
	for _, k := range m.cfg.AllowKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// Dispatch redacts and forwards ev to every allow-listed bridge; publish
// failures are logged and counted in sdk_event_sink_error_total without
// blocking core dispatch (§4.13).
func (m *EventSinkManager) Dispatch(ev SdkEvent) {
	m.mu.RLock()
	enabled := m.cfg.Enabled
	maxBytes := m.cfg.MaxEventBytes
	redaction := m.redaction
	bridges := append([]EventSinkBridge(nil), m.bridges...)
	m.mu.RUnlock()
	if !enabled || len(bridges) == 0 {
		return
	}
	envelope := EventSinkEnvelope{
		RuntimeID:       ev.RuntimeID,
		StreamID:        ev.StreamID,
		SeqNo:           ev.SeqNo,
		ContractVersion: ev.ContractVersion,
		TSMillis:        ev.TSMillis,
		EventType:       ev.EventType,
		Severity:        ev.Severity,
		Payload:         Redact(ev.Payload, redaction),
		Extensions:      ev.Extensions,
	}
	if maxBytes > 0 {
		if b, err := json.Marshal(envelope); err == nil && len(b) > maxBytes {
			m.log.Warnf("rpc: event %s exceeds sink max_event_bytes, dropping", ev.EventID)
			return
		}
	}
	for _, bridge := range bridges {
		if !m.allowed(bridge.SinkKind()) {
			continue
		}
		if err := bridge.Publish(envelope); err != nil {
			m.mu.Lock()
			m.errorTotal++
			m.mu.Unlock()
			sdkEventSinkErrorTotal.Inc()
			m.log.Warnf("rpc: sink %s publish failed: %v", bridge.SinkID(), err)
		}
	}
}

// ErrorTotal returns the cumulative publish-failure count.
func (m *EventSinkManager) ErrorTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorTotal
}

// WebhookSink posts each envelope as JSON to a configured URL.
type WebhookSink struct {
	ID     string
	URL    string
	Client *http.Client
}

// NewWebhookSink constructs a webhook bridge, defaulting the HTTP client's
// timeout to 5s so a slow endpoint can't stall event dispatch.
func NewWebhookSink(id, url string) *WebhookSink {
	return &WebhookSink{ID: id, URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) SinkID() string   { return w.ID }
func (w *WebhookSink) SinkKind() string { return "webhook" }

func (w *WebhookSink) Publish(envelope EventSinkEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("rpc: encode webhook envelope: %w", err)
	}
	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc: webhook %s returned status %d", w.URL, resp.StatusCode)
	}
	return nil
}

// MQTTPublisher is the narrow transport capability MqttSink needs; no MQTT
// client library is present in the retrieved corpus (see DESIGN.md), and this
// module includes no implementation of it; an MqttSink publishes only through
// the Publisher its creator sets.
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
}

// MqttSink forwards envelopes to a topic via an injected MQTTPublisher.
type MqttSink struct {
	ID        string
	Topic     string
	Publisher MQTTPublisher
}

func (m *MqttSink) SinkID() string   { return m.ID }
func (m *MqttSink) SinkKind() string { return "mqtt" }

func (m *MqttSink) Publish(envelope EventSinkEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("rpc: encode mqtt envelope: %w", err)
	}
	if m.Publisher == nil {
		return fmt.Errorf("rpc: mqtt sink %s has no publisher configured", m.ID)
	}
	return m.Publisher.Publish(m.Topic, body)
}
