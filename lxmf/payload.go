// Package lxmf implements the messaging layer carried over the mesh
// transport: wire/paper/propagation framing, the msgpack payload codec, the
// outbound router, and propagation-peer bookkeeping (§4.10-§4.12).
package lxmf

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Canonical numeric Payload field ids, per §4.10.
const (
	FieldTimestamp   = 0
	FieldContent     = 1
	FieldTitle       = 2
	FieldFields      = 3
	FieldAttachments = 5
)

// columba-style metadata field ids that accept UTF-8 JSON, msgpack-in-binary
// or plain string payloads.
const (
	FieldColumbaMeta1 = 112
	FieldColumbaMeta2 = 113
)

// Attachment is one [name, bytes] tuple carried under the canonical
// attachments field.
type Attachment struct {
	Name string
	Data []byte
}

// Payload is the decoded msgpack body shared by all three LXMF framings.
type Payload struct {
	Timestamp   float64
	Content     []byte
	Title       []byte
	Fields      map[string]interface{}
	Attachments []Attachment
}

// payloadWire is the msgpack-level shape of a Payload: numeric keys encoded
// as a map, since LXMF payloads are sparse (not every field is always
// present).
type payloadWire struct {
	Timestamp   float64                `msgpack:"0"`
	Content     []byte                 `msgpack:"1"`
	Title       []byte                 `msgpack:"2,omitempty"`
	Fields      map[string]interface{} `msgpack:"3,omitempty"`
	Attachments [][2]interface{}       `msgpack:"5,omitempty"`
}

// Encode serializes a Payload to msgpack bytes.
func (p *Payload) Encode() ([]byte, error) {
	w := payloadWire{
		Timestamp: p.Timestamp,
		Content:   p.Content,
		Title:     p.Title,
		Fields:    p.Fields,
	}
	for _, a := range p.Attachments {
		w.Attachments = append(w.Attachments, [2]interface{}{a.Name, a.Data})
	}
	return msgpack.Marshal(&w)
}

// DecodePayload parses msgpack-encoded Payload bytes.
func DecodePayload(b []byte) (*Payload, error) {
	var w payloadWire
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("lxmf: decode payload: %w", err)
	}
	p := &Payload{
		Timestamp: w.Timestamp,
		Content:   w.Content,
		Title:     w.Title,
		Fields:    w.Fields,
	}
	for _, tuple := range w.Attachments {
		if len(tuple) != 2 {
			continue
		}
		name, _ := tuple[0].(string)
		data, _ := coerceBytes(tuple[1])
		p.Attachments = append(p.Attachments, Attachment{Name: name, Data: data})
	}
	return p, nil
}

func coerceBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

// jsonAttachment is the JSON-style client-facing shape accepted by
// NormalizeJSONAttachments: {"name": ..., "data": "hex:..."|"base64:..."}.
type jsonAttachment struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// NormalizeJSONAttachments converts client-supplied JSON-style attachments
// into the canonical [name, bytes] tuple form, enforcing the strict
// normalization rules of §4.10:
//   - the numeric key "5" must not appear in raw client fields (that's the
//     wire-level canonical key, not a client-facing one)
//   - the legacy "files" alias is rejected
//   - opaque data strings must carry an explicit "hex:" or "base64:" prefix
func NormalizeJSONAttachments(rawFields map[string]json.RawMessage) ([]Attachment, error) {
	if _, ok := rawFields["5"]; ok {
		return nil, fmt.Errorf("lxmf: numeric attachment key \"5\" is not a valid client field")
	}
	if _, ok := rawFields["files"]; ok {
		return nil, fmt.Errorf("lxmf: legacy \"files\" alias is not accepted")
	}
	raw, ok := rawFields["attachments"]
	if !ok {
		return nil, nil
	}
	var items []jsonAttachment
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("lxmf: decode json attachments: %w", err)
	}
	out := make([]Attachment, 0, len(items))
	for _, it := range items {
		data, err := decodePrefixedData(it.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, Attachment{Name: it.Name, Data: data})
	}
	return out, nil
}

func decodePrefixedData(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(s, "hex:"))
	case strings.HasPrefix(s, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
	default:
		return nil, fmt.Errorf("lxmf: attachment data must be prefixed with \"hex:\" or \"base64:\"")
	}
}

// NormalizeFieldKey implements the field-codec rule: numeric field ids must
// be canonical integers when re-encoded; non-canonical string keys such as
// "01" or "-01" round-trip as strings instead of being coerced to numbers.
func NormalizeFieldKey(key string) (numeric int, isNumeric bool) {
	if key == "" {
		return 0, false
	}
	if key == "0" {
		return 0, true
	}
	if key[0] == '-' {
		return 0, false // "-01"-style keys never canonicalize to numeric
	}
	if key[0] == '0' {
		return 0, false // "01"-style leading zero is non-canonical
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ColumbaMetaValue decodes a columba-style metadata field (112, 113),
// accepting UTF-8 JSON, msgpack-in-binary, or a plain string; unparseable
// binary is surfaced as a byte array rather than silently dropped.
func ColumbaMetaValue(raw interface{}) interface{} {
	switch t := raw.(type) {
	case string:
		var js interface{}
		if json.Unmarshal([]byte(t), &js) == nil {
			return js
		}
		return t
	case []byte:
		var js interface{}
		if json.Unmarshal(t, &js) == nil {
			return js
		}
		var mp interface{}
		r := bytes.NewReader(t)
		if msgpack.NewDecoder(r).Decode(&mp) == nil && r.Len() == 0 {
			return mp
		}
		return t
	default:
		return raw
	}
}
