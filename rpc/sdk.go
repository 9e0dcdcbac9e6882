package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SDK error codes (§4.13, §7), grounded on the capability/error taxonomy of
// the legacy SDK crate.
const (
	CodeCapabilityContractIncompatible = "SDK_CAPABILITY_CONTRACT_INCOMPATIBLE"
	CodeCapabilityDisabled             = "SDK_CAPABILITY_DISABLED"
	CodeRuntimeInvalidState            = "SDK_RUNTIME_INVALID_STATE"
	CodeRuntimeNotFound                = "SDK_RUNTIME_NOT_FOUND"
	CodeRuntimeInvalidCursor           = "SDK_RUNTIME_INVALID_CURSOR"
	CodeRuntimeCursorExpired           = "SDK_RUNTIME_CURSOR_EXPIRED"
	CodeRuntimeStoreForwardCapacity    = "SDK_RUNTIME_STORE_FORWARD_CAPACITY_REACHED"
	CodeValidationInvalidArgument      = "SDK_VALIDATION_INVALID_ARGUMENT"
	CodeValidationUnknownField         = "SDK_VALIDATION_UNKNOWN_FIELD"
	CodeValidationMaxPollEventsExceeded = "SDK_VALIDATION_MAX_POLL_EVENTS_EXCEEDED"
	CodeConfigConflict                 = "SDK_CONFIG_CONFLICT"
	CodeInternal                        = "SDK_INTERNAL_ERROR"
)

// SdkError is the typed error every SDK v2 method returns via the response's
// error field.
type SdkError struct {
	Code    string
	Message string
}

func (e *SdkError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newSdkError(code, message string) *SdkError { return &SdkError{Code: code, Message: message} }

// Capability is one named, independently enable-able SDK surface; methods
// that touch a capability check it before doing any work, matching the
// "capability set" design note.
type Capability string

const (
	CapTopics         Capability = "sdk.capability.topics"
	CapTelemetry      Capability = "sdk.capability.telemetry"
	CapAttachments    Capability = "sdk.capability.attachments"
	CapMarkers        Capability = "sdk.capability.markers"
	CapIdentity       Capability = "sdk.capability.identity"
	CapPaper          Capability = "sdk.capability.paper"
	CapCommands       Capability = "sdk.capability.commands"
	CapVoiceSignaling Capability = "sdk.capability.voice_signaling"
)

// methodCapability maps an SDK v2 method name to the capability it requires;
// methods absent from this table (negotiate/status/snapshot/shutdown/poll)
// have no capability gate.
var methodCapability = map[string]Capability{
	"sdk_topic_create_v2":                 CapTopics,
	"sdk_topic_get_v2":                    CapTopics,
	"sdk_topic_list_v2":                   CapTopics,
	"sdk_topic_subscribe_v2":              CapTopics,
	"sdk_topic_unsubscribe_v2":            CapTopics,
	"sdk_topic_publish_v2":                CapTopics,
	"sdk_telemetry_query_v2":              CapTelemetry,
	"sdk_telemetry_subscribe_v2":          CapTelemetry,
	"sdk_attachment_store_v2":             CapAttachments,
	"sdk_attachment_get_v2":               CapAttachments,
	"sdk_attachment_list_v2":              CapAttachments,
	"sdk_attachment_delete_v2":            CapAttachments,
	"sdk_attachment_download_v2":          CapAttachments,
	"sdk_attachment_associate_topic_v2":   CapAttachments,
	"sdk_marker_create_v2":                CapMarkers,
	"sdk_marker_list_v2":                  CapMarkers,
	"sdk_marker_update_position_v2":       CapMarkers,
	"sdk_marker_delete_v2":                CapMarkers,
	"sdk_identity_list_v2":                CapIdentity,
	"sdk_identity_activate_v2":            CapIdentity,
	"sdk_identity_import_v2":              CapIdentity,
	"sdk_identity_export_v2":              CapIdentity,
	"sdk_identity_resolve_v2":             CapIdentity,
	"sdk_paper_encode_v2":                 CapPaper,
	"sdk_paper_decode_v2":                 CapPaper,
	"sdk_command_invoke_v2":               CapCommands,
	"sdk_command_reply_v2":                CapCommands,
	"sdk_voice_session_open_v2":           CapVoiceSignaling,
	"sdk_voice_session_update_v2":         CapVoiceSignaling,
	"sdk_voice_session_close_v2":          CapVoiceSignaling,
}

// CapabilitySet tracks which capabilities are currently enabled, as a map of
// per-capability flags rather than an if-chain (per SPEC_FULL.md's
// supplemented-feature note).
type CapabilitySet struct {
	mu      sync.RWMutex
	enabled map[Capability]bool
}

// NewCapabilitySet constructs a set with every known capability enabled by
// default. Set is the only way to disable one; neither sdk_configure_v2 nor
// the startup config changes the set.
func NewCapabilitySet() *CapabilitySet {
	cs := &CapabilitySet{enabled: make(map[Capability]bool)}
	for _, cap := range []Capability{CapTopics, CapTelemetry, CapAttachments, CapMarkers, CapIdentity, CapPaper, CapCommands, CapVoiceSignaling} {
		cs.enabled[cap] = true
	}
	return cs
}

func (cs *CapabilitySet) Has(cap Capability) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.enabled[cap]
}

func (cs *CapabilitySet) Set(cap Capability, on bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.enabled[cap] = on
}

// requireCapability returns a CAPABILITY_DISABLED error if method's gated
// capability is not enabled; nil if the method has no gate or is enabled.
func (d *Daemon) requireCapability(method string) *SdkError {
	cap, gated := methodCapability[method]
	if !gated {
		return nil
	}
	if d.capabilities.Has(cap) {
		return nil
	}
	return newSdkError(CodeCapabilityDisabled, fmt.Sprintf("capability %q is not enabled", cap))
}

// NegotiationRequest/NegotiationResponse model sdk_negotiate_v2's contract
// version handshake.
type NegotiationRequest struct {
	SupportedContractVersions []uint16 `json:"supported_contract_versions"`
	RequestedCapabilities     []string `json:"requested_capabilities"`
}

type EffectiveLimits struct {
	MaxPollEvents    int `json:"max_poll_events"`
	MaxEventBytes    int `json:"max_event_bytes"`
	MaxBatchBytes    int `json:"max_batch_bytes"`
	MaxExtensionKeys int `json:"max_extension_keys"`
}

type NegotiationResponse struct {
	RuntimeID              string          `json:"runtime_id"`
	ActiveContractVersion  uint16          `json:"active_contract_version"`
	EffectiveCapabilities  []string        `json:"effective_capabilities"`
	EffectiveLimits        EffectiveLimits `json:"effective_limits"`
}

// SupportedContractVersions is the daemon's accepted SDK contract versions.
var SupportedContractVersions = []uint16{1, 2}

// negotiateContractVersion picks the highest version present in both lists,
// or false if there is no overlap.
func negotiateContractVersion(clientSupported, backendSupported []uint16) (uint16, bool) {
	supported := make(map[uint16]bool, len(backendSupported))
	for _, v := range backendSupported {
		supported[v] = true
	}
	best, found := uint16(0), false
	for _, v := range clientSupported {
		if supported[v] && (!found || v > best) {
			best, found = v, true
		}
	}
	return best, found
}

func (d *Daemon) handleSdkNegotiateV2(req RpcRequest) RpcResponse {
	var params NegotiationRequest
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	version, ok := negotiateContractVersion(params.SupportedContractVersions, SupportedContractVersions)
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeCapabilityContractIncompatible, "no overlapping contract version")
	}
	var effective []string
	for _, cap := range []Capability{CapTopics, CapTelemetry, CapAttachments, CapMarkers, CapIdentity, CapPaper, CapCommands, CapVoiceSignaling} {
		if d.capabilities.Has(cap) {
			effective = append(effective, string(cap))
		}
	}
	resp := NegotiationResponse{
		RuntimeID:             d.runtimeID,
		ActiveContractVersion: version,
		EffectiveCapabilities: effective,
		EffectiveLimits: EffectiveLimits{
			MaxPollEvents:    d.eventStreamCfg.MaxPollEvents,
			MaxEventBytes:    d.eventStreamCfg.MaxEventBytes,
			MaxBatchBytes:    d.eventStreamCfg.MaxBatchBytes,
			MaxExtensionKeys: d.eventStreamCfg.MaxExtensionKeys,
		},
	}
	return RpcResponse{ID: req.ID, Result: resp}
}

// EventStreamLimits mirrors the config group of §6.
type EventStreamLimits struct {
	MaxPollEvents    int
	MaxEventBytes    int
	MaxBatchBytes    int
	MaxExtensionKeys int
}

func (d *Daemon) handleSdkStatusV2(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"runtime_id": d.runtimeID,
		"state":      d.State().String(),
	}}
}

func (d *Daemon) handleSdkSnapshotV2(req RpcRequest) RpcResponse {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	return RpcResponse{ID: req.ID, Result: d.snapshot}
}

type configurePatch struct {
	ExpectedRevision uint64                 `json:"expected_revision"`
	Patch            map[string]json.RawMessage `json:"patch"`
}

func (d *Daemon) handleSdkConfigureV2(req RpcRequest) RpcResponse {
	var params configurePatch
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	if params.ExpectedRevision != d.snapshot.Revision {
		return d.sdkErrorResponse(req.ID, CodeConfigConflict, fmt.Sprintf("expected revision %d, observed %d", params.ExpectedRevision, d.snapshot.Revision))
	}
	if err := d.applyConfigPatchLocked(params.Patch); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshot.Revision++
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"revision": d.snapshot.Revision}}
}

func (d *Daemon) handleSdkShutdownV2(req RpcRequest) RpcResponse {
	d.Shutdown()
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"state": d.State().String()}}
}

func (d *Daemon) handleSdkPollEventsV2(req RpcRequest) RpcResponse {
	var params struct {
		Cursor *uint64 `json:"cursor"`
		Max    int     `json:"max"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	if d.eventStreamCfg.MaxPollEvents > 0 && params.Max > d.eventStreamCfg.MaxPollEvents {
		return d.sdkErrorResponse(req.ID, CodeValidationMaxPollEventsExceeded, "max exceeds configured max_poll_events")
	}
	if params.Cursor != nil && d.events.CursorIsExpired(*params.Cursor) {
		return d.sdkErrorResponse(req.ID, CodeRuntimeCursorExpired, "cursor is older than the retained window")
	}
	batch := d.events.Poll(params.Cursor, params.Max)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"events":          batch.Events,
		"next_cursor":     batch.NextCursor,
		"dropped_count":   batch.DroppedCount,
		"high_watermark":  batch.HighWatermark,
	}}
}

func (d *Daemon) handleSdkCancelMessageV2(req RpcRequest) RpcResponse {
	var params struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	cancelled := d.router.CancelOutbound(params.MessageID)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"cancelled": cancelled}}
}

// --- domain methods: topics, telemetry, attachments, markers, identity, paper, commands ---

func (d *Daemon) nextDomainID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (d *Daemon) handleSdkTopicCreateV2(req RpcRequest) RpcResponse {
	var params struct {
		Name string `json:"name"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	if strings.TrimSpace(params.Name) == "" {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "name must not be empty")
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	id := d.nextDomainID("topic")
	d.snapshot.Topics[id] = TopicRecord{ID: id, Name: params.Name}
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"topic_id": id}}
}

func (d *Daemon) handleSdkTopicGetV2(req RpcRequest) RpcResponse {
	var params struct {
		TopicID string `json:"topic_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	topic, ok := d.snapshot.Topics[params.TopicID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "topic not found")
	}
	return RpcResponse{ID: req.ID, Result: topic}
}

func (d *Daemon) handleSdkTopicListV2(req RpcRequest) RpcResponse {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	out := make([]TopicRecord, 0, len(d.snapshot.Topics))
	for _, t := range d.snapshot.Topics {
		out = append(out, t)
	}
	return RpcResponse{ID: req.ID, Result: out}
}

func (d *Daemon) handleSdkTopicSubscribeV2(req RpcRequest) RpcResponse {
	return d.topicSubscription(req, true)
}

func (d *Daemon) handleSdkTopicUnsubscribeV2(req RpcRequest) RpcResponse {
	return d.topicSubscription(req, false)
}

func (d *Daemon) topicSubscription(req RpcRequest, subscribe bool) RpcResponse {
	var params struct {
		TopicID    string `json:"topic_id"`
		SubscriberID string `json:"subscriber_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	topic, ok := d.snapshot.Topics[params.TopicID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "topic not found")
	}
	if subscribe {
		topic.Subscribers = appendUnique(topic.Subscribers, params.SubscriberID)
	} else {
		topic.Subscribers = removeString(topic.Subscribers, params.SubscriberID)
	}
	d.snapshot.Topics[params.TopicID] = topic
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"subscribers": topic.Subscribers}}
}

func (d *Daemon) handleSdkTopicPublishV2(req RpcRequest) RpcResponse {
	var params struct {
		TopicID string                 `json:"topic_id"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	_, ok := d.snapshot.Topics[params.TopicID]
	d.snapshotMu.Unlock()
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "topic not found")
	}
	d.emitEvent("topic_published", "info", map[string]interface{}{"topic_id": params.TopicID, "payload": params.Payload}, nil)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"published": true}}
}

func (d *Daemon) handleSdkTelemetryQueryV2(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"samples": []interface{}{}}}
}

func (d *Daemon) handleSdkTelemetrySubscribeV2(req RpcRequest) RpcResponse {
	d.emitEvent("telemetry_subscribed", "info", map[string]interface{}{}, nil)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"subscribed": true}}
}

func (d *Daemon) handleSdkAttachmentStoreV2(req RpcRequest) RpcResponse {
	var params struct {
		Name string `json:"name"`
		Data string `json:"data"` // "hex:"|"base64:" prefixed, per lxmf attachment rules
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	id := d.nextDomainID("attachment")
	d.snapshot.Attachments[id] = AttachmentRecord{ID: id, Name: params.Name, Data: params.Data}
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"attachment_id": id}}
}

func (d *Daemon) handleSdkAttachmentGetV2(req RpcRequest) RpcResponse {
	var params struct {
		AttachmentID string `json:"attachment_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	a, ok := d.snapshot.Attachments[params.AttachmentID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "attachment not found")
	}
	return RpcResponse{ID: req.ID, Result: a}
}

func (d *Daemon) handleSdkAttachmentListV2(req RpcRequest) RpcResponse {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	out := make([]AttachmentRecord, 0, len(d.snapshot.Attachments))
	for _, a := range d.snapshot.Attachments {
		out = append(out, a)
	}
	return RpcResponse{ID: req.ID, Result: out}
}

func (d *Daemon) handleSdkAttachmentDeleteV2(req RpcRequest) RpcResponse {
	var params struct {
		AttachmentID string `json:"attachment_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	if _, ok := d.snapshot.Attachments[params.AttachmentID]; !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "attachment not found")
	}
	delete(d.snapshot.Attachments, params.AttachmentID)
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"deleted": true}}
}

func (d *Daemon) handleSdkAttachmentDownloadV2(req RpcRequest) RpcResponse {
	return d.handleSdkAttachmentGetV2(req)
}

func (d *Daemon) handleSdkAttachmentAssociateTopicV2(req RpcRequest) RpcResponse {
	var params struct {
		AttachmentID string `json:"attachment_id"`
		TopicID      string `json:"topic_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	a, ok := d.snapshot.Attachments[params.AttachmentID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "attachment not found")
	}
	if _, ok := d.snapshot.Topics[params.TopicID]; !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "topic not found")
	}
	a.TopicID = params.TopicID
	d.snapshot.Attachments[params.AttachmentID] = a
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"associated": true}}
}

func (d *Daemon) handleSdkMarkerCreateV2(req RpcRequest) RpcResponse {
	var params struct {
		Label string  `json:"label"`
		Lat   float64 `json:"lat"`
		Lon   float64 `json:"lon"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	id := d.nextDomainID("marker")
	d.snapshot.Markers[id] = MarkerRecord{ID: id, Label: params.Label, Lat: params.Lat, Lon: params.Lon}
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"marker_id": id}}
}

func (d *Daemon) handleSdkMarkerListV2(req RpcRequest) RpcResponse {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	out := make([]MarkerRecord, 0, len(d.snapshot.Markers))
	for _, m := range d.snapshot.Markers {
		out = append(out, m)
	}
	return RpcResponse{ID: req.ID, Result: out}
}

func (d *Daemon) handleSdkMarkerUpdatePositionV2(req RpcRequest) RpcResponse {
	var params struct {
		MarkerID string  `json:"marker_id"`
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	m, ok := d.snapshot.Markers[params.MarkerID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "marker not found")
	}
	m.Lat, m.Lon = params.Lat, params.Lon
	d.snapshot.Markers[params.MarkerID] = m
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"updated": true}}
}

func (d *Daemon) handleSdkMarkerDeleteV2(req RpcRequest) RpcResponse {
	var params struct {
		MarkerID string `json:"marker_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	if _, ok := d.snapshot.Markers[params.MarkerID]; !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "marker not found")
	}
	delete(d.snapshot.Markers, params.MarkerID)
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"deleted": true}}
}

func (d *Daemon) handleSdkIdentityListV2(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"identity_hash": d.identityHash}}
}

func (d *Daemon) handleSdkIdentityActivateV2(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"active": d.identityHash}}
}

func (d *Daemon) handleSdkIdentityImportV2(req RpcRequest) RpcResponse {
	return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "identity import requires a keystore backend")
}

func (d *Daemon) handleSdkIdentityExportV2(req RpcRequest) RpcResponse {
	return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "identity export requires a keystore backend")
}

func (d *Daemon) handleSdkIdentityResolveV2(req RpcRequest) RpcResponse {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	records := d.peers.Records()
	for _, r := range records {
		if r.Hash == params.Hash {
			return RpcResponse{ID: req.ID, Result: r}
		}
	}
	return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "identity not known")
}

func (d *Daemon) handleSdkPaperEncodeV2(req RpcRequest) RpcResponse {
	var params struct {
		PaperHex string `json:"paper_hex"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"uri": "lxm://" + params.PaperHex}}
}

func (d *Daemon) handleSdkPaperDecodeV2(req RpcRequest) RpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	now := nowMillis()
	result, err := d.peers.IngestLXMURI(params.URI, msToTime(now))
	if err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"duplicate":    result.Duplicate,
		"transient_id": hexID(result.TransientID[:]),
		"destination":  result.Destination.String(),
	}}
}

func (d *Daemon) handleSdkCommandInvokeV2(req RpcRequest) RpcResponse {
	var params struct {
		Command string                 `json:"command"`
		Args    map[string]interface{} `json:"args"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	id := d.nextDomainID("cmd")
	d.emitEvent("command_invoked", "info", map[string]interface{}{"command_id": id, "command": params.Command}, nil)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"command_id": id}}
}

func (d *Daemon) handleSdkCommandReplyV2(req RpcRequest) RpcResponse {
	var params struct {
		CommandID string                 `json:"command_id"`
		Result    map[string]interface{} `json:"result"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	d.emitEvent("command_replied", "info", map[string]interface{}{"command_id": params.CommandID, "result": params.Result}, nil)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"acknowledged": true}}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("unknown field: %w", err)
		}
		return err
	}
	return nil
}

func hexID(b []byte) string { return hex.EncodeToString(b) }
