// Package rpc implements the local daemon RPC plane: the legacy + SDK v2
// method dispatch, event stream, store-forward policy, event sink bridges
// and voice-session bridging described in §4.13.
package rpc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"reticulumd/core"
	"reticulumd/lxmf"
)

// RpcRequest is the decoded request envelope (§6).
type RpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RpcError is the typed {code, message} error field.
type RpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RpcResponse is the dispatch result.
type RpcResponse struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *RpcError   `json:"error,omitempty"`
}

// DaemonState is the bootstrap/shutdown lifecycle (§5 "Cancellation").
type DaemonState uint8

const (
	StateRunning DaemonState = iota
	StateDraining
	StateStopped
)

func (s DaemonState) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "running"
	}
}

// TopicRecord, AttachmentRecord and MarkerRecord are the persisted SDK
// domain records (§4.13 "updates a persisted domain snapshot").
type TopicRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers,omitempty"`
}

type AttachmentRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Data    string `json:"data"`
	TopicID string `json:"topic_id,omitempty"`
}

type MarkerRecord struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

// DomainSnapshot is the full persisted SDK domain state, written atomically
// via write-temp-then-rename (§6 "Persisted state layout").
type DomainSnapshot struct {
	Revision      uint64                      `json:"revision"`
	Topics        map[string]TopicRecord      `json:"topics"`
	Attachments   map[string]AttachmentRecord `json:"attachments"`
	Markers       map[string]MarkerRecord     `json:"markers"`
	VoiceSessions map[string]VoiceSessionRecord `json:"voice_sessions"`

	StoreForward StoreForwardPolicy `json:"store_forward"`
	EventStream  EventStreamLimits  `json:"event_stream"`
	Redaction    RedactionPolicy    `json:"redaction"`
	EventSink    EventSinkConfig    `json:"event_sink"`
}

func newDomainSnapshot() DomainSnapshot {
	return DomainSnapshot{
		Topics:        make(map[string]TopicRecord),
		Attachments:   make(map[string]AttachmentRecord),
		Markers:       make(map[string]MarkerRecord),
		VoiceSessions: make(map[string]VoiceSessionRecord),
		EventStream:   EventStreamLimits{MaxPollEvents: 256, MaxEventBytes: 65536, MaxBatchBytes: 1 << 20, MaxExtensionKeys: 16},
	}
}

var sdkEventSinkErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "sdk_event_sink_error_total",
	Help: "Event sink publish failures since daemon start.",
})

var outboundProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "outbound_processed_total",
	Help: "LXMF outbound messages successfully sent.",
})

func init() {
	prometheus.MustRegister(sdkEventSinkErrorTotal, outboundProcessedTotal)
}

// Daemon is the bootstrap context every RPC method runs against.
type Daemon struct {
	runtimeID    string
	identityHash string

	transport *core.Transport
	router    *lxmf.Router
	peers     *lxmf.PeerTable
	store     MessageStore

	capabilities *CapabilitySet
	events       *EventRingBuffer
	sinks        *EventSinkManager

	eventStreamCfg EventStreamLimits

	snapshotMu   sync.Mutex
	snapshot     DomainSnapshot
	snapshotPath string

	deliveryMu sync.Mutex

	stateMu sync.Mutex
	state   DaemonState

	log *logrus.Logger
}

// Deps bundles the collaborators the daemon wires its dispatch to.
type Deps struct {
	Transport    *core.Transport
	Router       *lxmf.Router
	Peers        *lxmf.PeerTable
	Store        MessageStore
	SnapshotPath string
	Sinks        []EventSinkBridge
	Log          *logrus.Logger
}

// NewDaemon constructs a daemon bound to the given collaborators. runtimeID
// and identityHash are opaque strings surfaced in status/negotiate
// responses.
func NewDaemon(runtimeID, identityHash string, deps Deps) *Daemon {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	d := &Daemon{
		runtimeID:      runtimeID,
		identityHash:   identityHash,
		transport:      deps.Transport,
		router:         deps.Router,
		peers:          deps.Peers,
		store:          deps.Store,
		capabilities:   NewCapabilitySet(),
		events:         NewEventRingBuffer(runtimeID, "sdk-events", 4096),
		sinks:          NewEventSinkManager(deps.Sinks, deps.Log),
		snapshot:       newDomainSnapshot(),
		snapshotPath:   deps.SnapshotPath,
		state:          StateRunning,
		log:            deps.Log,
	}
	d.eventStreamCfg = d.snapshot.EventStream
	if d.snapshotPath != "" {
		d.loadSnapshot()
	}
	return d
}

// State returns the daemon's current lifecycle state.
func (d *Daemon) State() DaemonState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Shutdown transitions Running→Draining→Stopped; a daemon already stopped
// ignores further calls (§5 "Cancellation").
func (d *Daemon) Shutdown() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch d.state {
	case StateRunning:
		d.state = StateDraining
		d.state = StateStopped
	default:
	}
}

func (d *Daemon) sdkErrorResponse(id uint64, code, message string) RpcResponse {
	return RpcResponse{ID: id, Error: &RpcError{Code: code, Message: message}}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// emitEvent pushes a new SdkEvent to the ring buffer and fans it out to
// configured sinks.
func (d *Daemon) emitEvent(eventType, severity string, payload, extensions map[string]interface{}) {
	ev := d.events.Push(eventType, severity, payload, extensions, nowMillis(), 2)
	d.sinks.Dispatch(ev)
}

// HandleRPC is the single dispatch function (§4.13): legacy methods fall
// through to handleLegacy; sdk_ methods are routed individually and get
// capability-ACL + typed-error wrapping.
func (d *Daemon) HandleRPC(req RpcRequest) RpcResponse {
	if d.State() == StateStopped && req.Method != "sdk_shutdown_v2" {
		return d.sdkErrorResponse(req.ID, CodeRuntimeInvalidState, "daemon is stopped")
	}
	if cap, gated := methodCapability[req.Method]; gated && !d.capabilities.Has(cap) {
		return d.sdkErrorResponse(req.ID, CodeCapabilityDisabled, fmt.Sprintf("capability %q is not enabled", cap))
	}
	switch req.Method {
	case "sdk_negotiate_v2":
		return d.handleSdkNegotiateV2(req)
	case "sdk_status_v2":
		return d.handleSdkStatusV2(req)
	case "sdk_snapshot_v2":
		return d.handleSdkSnapshotV2(req)
	case "sdk_configure_v2":
		return d.handleSdkConfigureV2(req)
	case "sdk_shutdown_v2":
		return d.handleSdkShutdownV2(req)
	case "sdk_poll_events_v2":
		return d.handleSdkPollEventsV2(req)
	case "sdk_cancel_message_v2":
		return d.handleSdkCancelMessageV2(req)
	case "sdk_send_v2":
		return d.handleSdkSendV2(req)
	case "sdk_topic_create_v2":
		return d.handleSdkTopicCreateV2(req)
	case "sdk_topic_get_v2":
		return d.handleSdkTopicGetV2(req)
	case "sdk_topic_list_v2":
		return d.handleSdkTopicListV2(req)
	case "sdk_topic_subscribe_v2":
		return d.handleSdkTopicSubscribeV2(req)
	case "sdk_topic_unsubscribe_v2":
		return d.handleSdkTopicUnsubscribeV2(req)
	case "sdk_topic_publish_v2":
		return d.handleSdkTopicPublishV2(req)
	case "sdk_telemetry_query_v2":
		return d.handleSdkTelemetryQueryV2(req)
	case "sdk_telemetry_subscribe_v2":
		return d.handleSdkTelemetrySubscribeV2(req)
	case "sdk_attachment_store_v2":
		return d.handleSdkAttachmentStoreV2(req)
	case "sdk_attachment_get_v2":
		return d.handleSdkAttachmentGetV2(req)
	case "sdk_attachment_list_v2":
		return d.handleSdkAttachmentListV2(req)
	case "sdk_attachment_delete_v2":
		return d.handleSdkAttachmentDeleteV2(req)
	case "sdk_attachment_download_v2":
		return d.handleSdkAttachmentDownloadV2(req)
	case "sdk_attachment_associate_topic_v2":
		return d.handleSdkAttachmentAssociateTopicV2(req)
	case "sdk_marker_create_v2":
		return d.handleSdkMarkerCreateV2(req)
	case "sdk_marker_list_v2":
		return d.handleSdkMarkerListV2(req)
	case "sdk_marker_update_position_v2":
		return d.handleSdkMarkerUpdatePositionV2(req)
	case "sdk_marker_delete_v2":
		return d.handleSdkMarkerDeleteV2(req)
	case "sdk_identity_list_v2":
		return d.handleSdkIdentityListV2(req)
	case "sdk_identity_activate_v2":
		return d.handleSdkIdentityActivateV2(req)
	case "sdk_identity_import_v2":
		return d.handleSdkIdentityImportV2(req)
	case "sdk_identity_export_v2":
		return d.handleSdkIdentityExportV2(req)
	case "sdk_identity_resolve_v2":
		return d.handleSdkIdentityResolveV2(req)
	case "sdk_paper_encode_v2":
		return d.handleSdkPaperEncodeV2(req)
	case "sdk_paper_decode_v2":
		return d.handleSdkPaperDecodeV2(req)
	case "sdk_command_invoke_v2":
		return d.handleSdkCommandInvokeV2(req)
	case "sdk_command_reply_v2":
		return d.handleSdkCommandReplyV2(req)
	case "sdk_voice_session_open_v2":
		return d.handleSdkVoiceSessionOpenV2(req)
	case "sdk_voice_session_update_v2":
		return d.handleSdkVoiceSessionUpdateV2(req)
	case "sdk_voice_session_close_v2":
		return d.handleSdkVoiceSessionCloseV2(req)
	default:
		return d.handleLegacy(req)
	}
}

// applyConfigPatchLocked merges a partial config patch into the snapshot.
// Caller must hold snapshotMu.
func (d *Daemon) applyConfigPatchLocked(patch map[string]json.RawMessage) error {
	if raw, ok := patch["store_forward"]; ok {
		if err := json.Unmarshal(raw, &d.snapshot.StoreForward); err != nil {
			return fmt.Errorf("decode store_forward patch: %w", err)
		}
	}
	if raw, ok := patch["event_stream"]; ok {
		if err := json.Unmarshal(raw, &d.snapshot.EventStream); err != nil {
			return fmt.Errorf("decode event_stream patch: %w", err)
		}
		d.eventStreamCfg = d.snapshot.EventStream
	}
	if raw, ok := patch["redaction"]; ok {
		if err := json.Unmarshal(raw, &d.snapshot.Redaction); err != nil {
			return fmt.Errorf("decode redaction patch: %w", err)
		}
	}
	if raw, ok := patch["event_sink"]; ok {
		if err := json.Unmarshal(raw, &d.snapshot.EventSink); err != nil {
			return fmt.Errorf("decode event_sink patch: %w", err)
		}
	}
	d.sinks.Configure(d.snapshot.EventSink, d.snapshot.Redaction)
	return nil
}

// persistSnapshotLocked writes the snapshot via write-temp-then-rename.
// Caller must hold snapshotMu.
func (d *Daemon) persistSnapshotLocked() error {
	if d.snapshotPath == "" {
		return nil
	}
	b, err := json.MarshalIndent(d.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("rpc: marshal domain snapshot: %w", err)
	}
	dir := filepath.Dir(d.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("rpc: create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("rpc: write snapshot temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rpc: close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.snapshotPath); err != nil {
		return fmt.Errorf("rpc: rename snapshot into place: %w", err)
	}
	return nil
}

func (d *Daemon) loadSnapshot() {
	b, err := os.ReadFile(d.snapshotPath)
	if err != nil {
		return
	}
	var s DomainSnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		d.log.Warnf("rpc: discarding unreadable domain snapshot at %s: %v", d.snapshotPath, err)
		return
	}
	if s.Topics == nil {
		s.Topics = make(map[string]TopicRecord)
	}
	if s.Attachments == nil {
		s.Attachments = make(map[string]AttachmentRecord)
	}
	if s.Markers == nil {
		s.Markers = make(map[string]MarkerRecord)
	}
	if s.VoiceSessions == nil {
		s.VoiceSessions = make(map[string]VoiceSessionRecord)
	}
	d.snapshotMu.Lock()
	d.snapshot = s
	d.eventStreamCfg = s.EventStream
	d.snapshotMu.Unlock()
	d.sinks.Configure(s.EventSink, s.Redaction)
}
