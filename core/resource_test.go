package core

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

func resourceTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// driveTransfer exchanges requests/parts between sender and receiver until
// the receiver reports complete, bounded by maxRounds as a safety net.
func driveTransfer(t *testing.T, sender *ResourceSender, receiver *ResourceReceiver, req *ResourceRequest, now time.Time) {
	t.Helper()
	for round := 0; round < 64 && !receiver.Complete(); round++ {
		parts, update := sender.HandleRequest(req)
		if update != nil {
			req = receiver.ApplyHashUpdate(update, now)
			continue
		}
		if len(parts) == 0 {
			t.Fatalf("sender returned no parts for a non-exhausted request")
		}
		for _, p := range parts {
			receiver.HandlePart(p, now)
		}
		req = receiver.buildRequestLocked()
	}
	if !receiver.Complete() {
		t.Fatalf("receiver did not complete within the round budget")
	}
}

func TestResourceHappyPathSmallTransfer(t *testing.T) {
	key := resourceTestKey(t)
	now := time.Now()
	data := []byte("a short payload that fits in a single part")

	sender, adv, err := StartSend(key, data, nil, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	receiver, req := OnAdvertisement(key, adv, false, now)

	driveTransfer(t, sender, receiver, req, now)

	proof, event, err := receiver.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if event.Kind != ResourceEventComplete {
		t.Fatalf("expected ResourceEventComplete, got %v", event.Kind)
	}
	if !bytes.Equal(event.Data, data) {
		t.Fatalf("payload mismatch: got %q want %q", event.Data, data)
	}
	if proof.ResourceHash != adv.ResourceHash {
		t.Fatalf("proof resource hash mismatch")
	}
}

func TestResourceHappyPathMultiPartWithMetadata(t *testing.T) {
	key := resourceTestKey(t)
	now := time.Now()
	data := bytes.Repeat([]byte("0123456789abcdef"), 200) // several packets
	metadata := []byte(`{"name":"file.bin"}`)

	sender, adv, err := StartSend(key, data, metadata, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	if adv.TotalParts < 2 {
		t.Fatalf("expected a multi-part transfer, got %d parts", adv.TotalParts)
	}
	receiver, req := OnAdvertisement(key, adv, true, now)

	driveTransfer(t, sender, receiver, req, now)

	_, event, err := receiver.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(event.Data, data) {
		t.Fatalf("payload mismatch after multi-part reassembly")
	}
	if !bytes.Equal(event.Metadata, metadata) {
		t.Fatalf("metadata mismatch: got %q want %q", event.Metadata, metadata)
	}
}

func TestResourceHashUpdateOnHashmapExhaustion(t *testing.T) {
	key := resourceTestKey(t)
	now := time.Now()
	data := bytes.Repeat([]byte("x"), PacketMDU*(HashmapMaxLen+5))

	sender, adv, err := StartSend(key, data, nil, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	if len(adv.Hashmap) != HashmapMaxLen {
		t.Fatalf("expected the first advertisement segment capped at %d, got %d", HashmapMaxLen, len(adv.Hashmap))
	}
	receiver, req := OnAdvertisement(key, adv, false, now)
	if !req.HashmapExhausted {
		t.Fatalf("expected the first request to report hashmap exhaustion given more parts than one segment")
	}

	parts, update := sender.HandleRequest(req)
	if update == nil {
		t.Fatalf("expected a hash update when the requester reports exhaustion mid-transfer")
	}
	for _, p := range parts {
		receiver.HandlePart(p, now)
	}
	req = receiver.ApplyHashUpdate(update, now)

	driveTransfer(t, sender, receiver, req, now)

	_, event, err := receiver.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(event.Data, data) {
		t.Fatalf("payload mismatch after hash-update-driven reassembly")
	}
}

func TestResourceRetryIfStaleDropsAfterLimit(t *testing.T) {
	key := resourceTestKey(t)
	now := time.Now()
	sender, adv, err := StartSend(key, []byte("payload"), nil, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	_ = sender
	receiver, _ := OnAdvertisement(key, adv, false, now)

	retryInterval := 5 * time.Second
	retryLimit := 3
	cursor := now
	for i := 0; i < retryLimit-1; i++ {
		cursor = cursor.Add(retryInterval + time.Millisecond)
		req, dropped := receiver.RetryIfStale(retryInterval, retryLimit, cursor)
		if dropped {
			t.Fatalf("expected no drop before the retry limit, attempt %d", i)
		}
		if req == nil {
			t.Fatalf("expected a fresh request on retry, attempt %d", i)
		}
	}
	cursor = cursor.Add(retryInterval + time.Millisecond)
	_, dropped := receiver.RetryIfStale(retryInterval, retryLimit, cursor)
	if !dropped {
		t.Fatalf("expected the transfer to be dropped once the retry limit is reached")
	}
}

func TestResourceRetryIfStaleNoopWithinInterval(t *testing.T) {
	key := resourceTestKey(t)
	now := time.Now()
	_, adv, err := StartSend(key, []byte("payload"), nil, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	receiver, _ := OnAdvertisement(key, adv, false, now)

	req, dropped := receiver.RetryIfStale(5*time.Second, 3, now.Add(time.Second))
	if dropped {
		t.Fatalf("expected no drop within the retry interval")
	}
	if req != nil {
		t.Fatalf("expected no retry request within the retry interval")
	}
}

func TestResourceWireEncodeDecodeRoundTrip(t *testing.T) {
	adv := &ResourceAdvertisement{
		ResourceHash: [32]byte{1, 2, 3},
		RandomHash:   [4]byte{4, 5, 6, 7},
		TotalParts:   9,
		Hashmap:      [][4]byte{{1, 1, 1, 1}, {2, 2, 2, 2}},
	}
	buf, err := adv.Encode()
	if err != nil {
		t.Fatalf("ResourceAdvertisement.Encode: %v", err)
	}
	gotAdv, err := DecodeResourceAdvertisement(buf)
	if err != nil {
		t.Fatalf("DecodeResourceAdvertisement: %v", err)
	}
	if gotAdv.ResourceHash != adv.ResourceHash || gotAdv.TotalParts != adv.TotalParts || len(gotAdv.Hashmap) != len(adv.Hashmap) {
		t.Fatalf("advertisement round trip mismatch: got %+v want %+v", gotAdv, adv)
	}

	req := &ResourceRequest{
		ResourceHash:     [32]byte{9, 9, 9},
		RequestedHashes:  [][4]byte{{1, 0, 0, 0}, {2, 0, 0, 0}, {3, 0, 0, 0}},
		HashmapExhausted: true,
		LastMapHash:      [4]byte{7, 7, 7, 7},
	}
	reqBuf, err := req.Encode()
	if err != nil {
		t.Fatalf("ResourceRequest.Encode: %v", err)
	}
	gotReq, err := DecodeResourceRequest(reqBuf)
	if err != nil {
		t.Fatalf("DecodeResourceRequest: %v", err)
	}
	if gotReq.ResourceHash != req.ResourceHash || gotReq.HashmapExhausted != req.HashmapExhausted || gotReq.LastMapHash != req.LastMapHash {
		t.Fatalf("request round trip mismatch: got %+v want %+v", gotReq, req)
	}
	if len(gotReq.RequestedHashes) != len(req.RequestedHashes) {
		t.Fatalf("request hash count mismatch: got %d want %d", len(gotReq.RequestedHashes), len(req.RequestedHashes))
	}

	upd := &ResourceHashUpdate{
		ResourceHash: [32]byte{3, 3, 3},
		SegmentIndex: 2,
		Hashmap:      [][4]byte{{8, 8, 8, 8}},
	}
	updBuf, err := upd.Encode()
	if err != nil {
		t.Fatalf("ResourceHashUpdate.Encode: %v", err)
	}
	gotUpd, err := DecodeResourceHashUpdate(updBuf)
	if err != nil {
		t.Fatalf("DecodeResourceHashUpdate: %v", err)
	}
	if gotUpd.ResourceHash != upd.ResourceHash || gotUpd.SegmentIndex != upd.SegmentIndex || len(gotUpd.Hashmap) != len(upd.Hashmap) {
		t.Fatalf("hash update round trip mismatch: got %+v want %+v", gotUpd, upd)
	}

	proof := &ResourceProof{ResourceHash: [32]byte{5, 5, 5}, Proof: [32]byte{6, 6, 6}}
	proofBuf := proof.Encode()
	gotProof, err := DecodeResourceProof(proofBuf)
	if err != nil {
		t.Fatalf("DecodeResourceProof: %v", err)
	}
	if gotProof.ResourceHash != proof.ResourceHash || gotProof.Proof != proof.Proof {
		t.Fatalf("proof round trip mismatch: got %+v want %+v", gotProof, proof)
	}
}

func TestResourceTableSenderReceiverLifecycle(t *testing.T) {
	tbl := NewResourceTable()
	hash := [32]byte{1, 1, 1}
	linkID := AddressHashFrom([]byte("link-for-resource"))

	key := resourceTestKey(t)
	sender, _, err := StartSend(key, []byte("data"), nil, rand.Reader)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	tbl.AddSender(hash, linkID, sender)

	gotSender, gotLink, ok := tbl.Sender(hash)
	if !ok || gotSender != sender || gotLink != linkID {
		t.Fatalf("expected to find the registered sender")
	}
	if _, _, ok := tbl.Receiver(hash); ok {
		t.Fatalf("expected no receiver registered under a sender-only hash")
	}

	receiverHash := [32]byte{2, 2, 2}
	receiver, _ := OnAdvertisement(key, &ResourceAdvertisement{ResourceHash: receiverHash, TotalParts: 1, Hashmap: [][4]byte{{0, 0, 0, 0}}}, false, time.Now())
	tbl.AddReceiver(receiverHash, linkID, receiver)

	gotReceiver, gotLink2, ok := tbl.Receiver(receiverHash)
	if !ok || gotReceiver != receiver || gotLink2 != linkID {
		t.Fatalf("expected to find the registered receiver")
	}

	onLink, ok := tbl.receiverOnLink(linkID)
	if !ok || onLink != receiverHash {
		t.Fatalf("expected receiverOnLink to find the registered receiver's hash")
	}

	receivers := tbl.Receivers()
	if _, ok := receivers[receiverHash]; !ok {
		t.Fatalf("expected Receivers() to include the registered receiver")
	}
	if _, ok := receivers[hash]; ok {
		t.Fatalf("expected Receivers() to exclude sender-only entries")
	}

	tbl.Remove(hash)
	if _, _, ok := tbl.Sender(hash); ok {
		t.Fatalf("expected sender to be removed")
	}
	tbl.Remove(receiverHash)
	if _, ok := tbl.receiverOnLink(linkID); ok {
		t.Fatalf("expected receiverOnLink to miss once the receiver is removed")
	}
}
