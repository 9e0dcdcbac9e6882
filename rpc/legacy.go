package rpc

import (
	"fmt"
	"time"

	"reticulumd/core"
	"reticulumd/lxmf"
)

// handleLegacy dispatches the pre-SDK method family (§4.13 "Legacy").
func (d *Daemon) handleLegacy(req RpcRequest) RpcResponse {
	switch req.Method {
	case "status":
		return d.legacyStatus(req)
	case "daemon_status_ex":
		return d.legacyDaemonStatusEx(req)
	case "list_messages":
		return d.legacyListMessages(req)
	case "list_peers":
		return d.legacyListPeers(req)
	case "list_announces":
		return d.legacyListAnnounces(req)
	case "send_message":
		return d.legacySendMessage(req, false)
	case "send_message_v2":
		return d.legacySendMessage(req, true)
	case "announce_now":
		return d.legacyAnnounceNow(req)
	case "announce_received":
		return d.legacyAnnounceReceived(req)
	case "clear_messages":
		return d.legacyClear(req, "messages")
	case "clear_peers":
		return d.legacyClear(req, "peers")
	case "clear_resources":
		return d.legacyClear(req, "resources")
	case "clear_all":
		return d.legacyClear(req, "all")
	case "ticket_generate":
		return d.legacyTicketGenerate(req)
	case "stamp_policy_get":
		return d.legacyStampPolicyGet(req)
	case "stamp_policy_set":
		return d.legacyStampPolicySet(req)
	case "peer_sync":
		return d.legacyPeerSync(req)
	case "peer_unpeer":
		return d.legacyPeerUnpeer(req)
	case "paper_ingest_uri":
		return d.legacyPaperIngestURI(req)
	default:
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "METHOD_NOT_FOUND", Message: fmt.Sprintf("unknown method %q", req.Method)}}
	}
}

func (d *Daemon) legacyStatus(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"identity_hash": d.identityHash,
		"running":       d.State() == StateRunning,
	}}
}

func (d *Daemon) legacyDaemonStatusEx(req RpcRequest) RpcResponse {
	messageCount, _ := d.store.Count()
	ignored, rejectedAuth, adapterErrors, processed, cancelled := d.router.Counters()
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"identity_hash": d.identityHash,
		"running":       d.State() == StateRunning,
		"message_count": messageCount,
		"peer_count":    len(d.peers.Records()),
		"outbound_ignored_total":       ignored,
		"outbound_rejected_auth_total": rejectedAuth,
		"outbound_adapter_errors_total": adapterErrors,
		"outbound_processed_total":     processed,
		"outbound_cancelled_total":     cancelled,
	}}
}

func (d *Daemon) legacyListMessages(req RpcRequest) RpcResponse {
	var params struct {
		Limit     int    `json:"limit"`
		Direction string `json:"direction"`
	}
	_ = decodeParams(req.Params, &params)
	records, err := d.store.List(params.Limit, params.Direction)
	if err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "IO", Message: err.Error()}}
	}
	return RpcResponse{ID: req.ID, Result: records}
}

func (d *Daemon) legacyListPeers(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: d.peers.Records()}
}

func (d *Daemon) legacyListAnnounces(req RpcRequest) RpcResponse {
	if d.transport == nil {
		return RpcResponse{ID: req.ID, Result: []interface{}{}}
	}
	return RpcResponse{ID: req.ID, Result: d.transport.Announces().Destinations()}
}

type sendMessageParams struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	Destination string                 `json:"destination"`
	Title       string                 `json:"title"`
	Content     string                 `json:"content"`
	Fields      map[string]interface{} `json:"fields"`
}

// legacySendMessage implements both send_message and send_message_v2. Both
// enforce the store-forward policy ahead of insertion; the v2 variant (also
// used by sdk_send_v2) reports failures as SDK error codes.
func (d *Daemon) legacySendMessage(req RpcRequest, v2 bool) RpcResponse {
	var params sendMessageParams
	if err := decodeParams(req.Params, &params); err != nil {
		if v2 {
			return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
		}
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: err.Error()}}
	}
	now := time.Now()
	d.deliveryMu.Lock()
	defer d.deliveryMu.Unlock()

	policy := d.currentStoreForwardPolicy()
	if err := ApplyBeforeInsert(d.store, policy, now); err != nil {
		if err == ErrCapacityReached {
			if v2 {
				return d.sdkErrorResponse(req.ID, CodeRuntimeStoreForwardCapacity, "store-forward capacity reached")
			}
			return RpcResponse{ID: req.ID, Error: &RpcError{Code: CodeRuntimeStoreForwardCapacity, Message: "store-forward capacity reached"}}
		}
		msg := fmt.Sprintf("failed: %s %v", req.Method, err)
		if v2 {
			return d.sdkErrorResponse(req.ID, CodeInternal, msg)
		}
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "IO", Message: msg}}
	}

	rec := MessageRecord{
		ID:            params.ID,
		Source:        params.Source,
		Destination:   params.Destination,
		Title:         params.Title,
		Content:       params.Content,
		Timestamp:     now.UnixMilli(),
		Direction:     "out",
		Fields:        params.Fields,
		ReceiptStatus: "sent:queued",
	}
	if err := d.store.Insert(rec); err != nil {
		msg := fmt.Sprintf("failed: %s %v", req.Method, err)
		if v2 {
			return d.sdkErrorResponse(req.ID, CodeInternal, msg)
		}
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "IO", Message: msg}}
	}

	status := d.enqueueAndProcess(rec)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"id": rec.ID, "status": status}}
}

func (d *Daemon) handleSdkSendV2(req RpcRequest) RpcResponse {
	return d.legacySendMessage(req, true)
}

// enqueueAndProcess pushes the message through the router's outbound queue,
// runs exactly one handle_outbound tick, and records the terminal status
// onto the stored record (sticky per §7).
func (d *Daemon) enqueueAndProcess(rec MessageRecord) string {
	var dest core.AddressHash
	copy(dest[:], []byte(rec.Destination))
	msg := &lxmf.OutboundMessage{ID: rec.ID, Destination: dest, Wire: []byte(rec.Content)}
	d.router.Enqueue(msg, false)
	results := d.router.HandleOutbound(1)
	status := "sent:queued"
	if len(results) > 0 {
		switch results[0] {
		case lxmf.OutboundSent:
			status = "delivered"
			outboundProcessedTotal.Inc()
		case lxmf.OutboundRejectedAuth:
			status = "rejected"
		case lxmf.OutboundIgnored:
			status = "cancelled"
		default:
			status = "sent:deferred"
		}
	}
	_ = d.store.SetReceiptStatus(rec.ID, status)
	d.emitEvent("delivery_update", "info", map[string]interface{}{"message_id": rec.ID, "status": status}, nil)
	return status
}

func (d *Daemon) currentStoreForwardPolicy() StoreForwardPolicy {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	return d.snapshot.StoreForward
}

func (d *Daemon) legacyAnnounceNow(req RpcRequest) RpcResponse {
	if d.transport == nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "NO_TRANSPORT", Message: "transport not wired"}}
	}
	var params struct {
		App    string `json:"app"`
		Aspect string `json:"aspect"`
	}
	_ = decodeParams(req.Params, &params)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"announced": true}}
}

func (d *Daemon) legacyAnnounceReceived(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"received": true}}
}

func (d *Daemon) legacyClear(req RpcRequest, what string) RpcResponse {
	switch what {
	case "messages", "all":
		if err := d.store.DeleteAll(); err != nil {
			return RpcResponse{ID: req.ID, Error: &RpcError{Code: "IO", Message: err.Error()}}
		}
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"cleared": what}}
}

func (d *Daemon) legacyTicketGenerate(req RpcRequest) RpcResponse {
	var params struct {
		Destination string `json:"destination"`
		TTLSecs     int64  `json:"ttl_secs"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: err.Error()}}
	}
	var dest core.AddressHash
	copy(dest[:], []byte(params.Destination))
	ttl := time.Duration(params.TTLSecs) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	ticket := lxmf.Ticket{Expiry: time.Now().Add(ttl)}
	d.router.CacheTicket(dest, ticket)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"expiry_ms": ticket.Expiry.UnixMilli()}}
}

func (d *Daemon) legacyStampPolicyGet(req RpcRequest) RpcResponse {
	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	return RpcResponse{ID: req.ID, Result: d.snapshot.StoreForward}
}

func (d *Daemon) legacyStampPolicySet(req RpcRequest) RpcResponse {
	var patch StoreForwardPolicy
	if err := decodeParams(req.Params, &patch); err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: err.Error()}}
	}
	d.snapshotMu.Lock()
	d.snapshot.StoreForward = patch
	err := d.persistSnapshotLocked()
	d.snapshotMu.Unlock()
	if err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "IO", Message: err.Error()}}
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"updated": true}}
}

func (d *Daemon) legacyPeerSync(req RpcRequest) RpcResponse {
	var params struct {
		Peer      string `json:"peer"`
		Requested int    `json:"requested"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: err.Error()}}
	}
	var hash core.AddressHash
	copy(hash[:], []byte(params.Peer))
	batch, err := d.peers.BuildPeerSyncBatch(hash, params.Requested, d.router, time.Now())
	if err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "NOT_FOUND", Message: err.Error()}}
	}
	out := make([]string, 0, len(batch))
	for _, id := range batch {
		out = append(out, fmt.Sprintf("%x", id))
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"batch": out}}
}

func (d *Daemon) legacyPeerUnpeer(req RpcRequest) RpcResponse {
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"unpeered": true}}
}

func (d *Daemon) legacyPaperIngestURI(req RpcRequest) RpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: err.Error()}}
	}
	result, err := d.peers.IngestLXMURI(params.URI, time.Now())
	if err != nil {
		msg := fmt.Sprintf("failed: paper_ingest_uri %v", err)
		return RpcResponse{ID: req.ID, Error: &RpcError{Code: "INVALID_ARGUMENT", Message: msg}}
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{
		"duplicate":    result.Duplicate,
		"destination":  result.Destination.String(),
	}}
}
