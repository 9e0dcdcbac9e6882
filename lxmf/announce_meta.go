package lxmf

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// DisplayNameMaxLen bounds a normalized peer display name (§4.12).
const DisplayNameMaxLen = 64

// metaKeyAllowlist is the fixed, case-insensitive set of meta-map keys that
// may carry a display name.
var metaKeyAllowlist = map[string]struct{}{
	"1":            {},
	"name":         {},
	"n":            {},
	"display_name": {},
}

// NormalizeDisplayName trims, length-bounds and rejects control characters
// in a candidate display name; empty or all-control input yields "".
func NormalizeDisplayName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	var b strings.Builder
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > DisplayNameMaxLen {
		out = out[:DisplayNameMaxLen]
	}
	return out
}

// ParseAppData extracts a normalized display name from an announce's
// app_data, trying in order: a msgpack array prefix (treated as PN data), a
// pn_meta map, then a plain UTF-8 string fallback.
func ParseAppData(appData []byte) (name string, source string) {
	var arr []interface{}
	if err := msgpack.Unmarshal(appData, &arr); err == nil && len(arr) > 0 {
		if pn, ok := ParsePNAnnounceData(arr); ok {
			if pn.Name != "" {
				return pn.Name, "pn_meta"
			}
		}
	}
	var meta map[string]interface{}
	if err := msgpack.Unmarshal(appData, &meta); err == nil {
		if name := nameFromMetaMap(meta); name != "" {
			return name, "pn_meta"
		}
	}
	if isValidUTF8(appData) {
		return NormalizeDisplayName(string(appData)), "string"
	}
	return "", ""
}

func isValidUTF8(b []byte) bool {
	return len(b) > 0 && utf8.Valid(b)
}

// PNAnnounceData is the decoded 7-element propagation-node announce array
// (§4.12).
type PNAnnounceData struct {
	IsListener        bool
	Timestamp         float64
	TransportEnabled  bool
	PropagationLimit  int
	SyncLimit         int
	StampCost         float64
	StampFlexibility  float64
	PeeringCost       float64
	Name              string
}

// ParsePNAnnounceData decodes the 7-element array:
// [is_listener?, timestamp, transport_enabled?, propagation_limit,
// sync_limit, [stamp_cost, flexibility, peering_cost] | map, meta-map].
func ParsePNAnnounceData(arr []interface{}) (PNAnnounceData, bool) {
	if len(arr) < 7 {
		return PNAnnounceData{}, false
	}
	pn := PNAnnounceData{}
	pn.IsListener, _ = arr[0].(bool)
	pn.Timestamp, _ = flexibleNumber(arr[1])
	pn.TransportEnabled, _ = arr[2].(bool)
	if n, ok := flexibleNumber(arr[3]); ok && n == float64(int(n)) {
		pn.PropagationLimit = int(n)
	}
	if n, ok := flexibleNumber(arr[4]); ok && n == float64(int(n)) {
		pn.SyncLimit = int(n)
	}
	switch costs := arr[5].(type) {
	case []interface{}:
		if len(costs) >= 3 {
			pn.StampCost, _ = flexibleNumber(costs[0])
			pn.StampFlexibility, _ = flexibleNumber(costs[1])
			pn.PeeringCost, _ = flexibleNumber(costs[2])
		}
	case map[string]interface{}:
		if v, ok := costs["stamp_cost"]; ok {
			pn.StampCost, _ = flexibleNumber(v)
		}
		if v, ok := costs["flexibility"]; ok {
			pn.StampFlexibility, _ = flexibleNumber(v)
		}
		if v, ok := costs["peering_cost"]; ok {
			pn.PeeringCost, _ = flexibleNumber(v)
		}
	}
	if meta, ok := arr[6].(map[string]interface{}); ok {
		pn.Name = nameFromMetaMap(meta)
	} else if meta, ok := arr[6].(map[interface{}]interface{}); ok {
		strMeta := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			strMeta[toStringKey(k)] = v
		}
		pn.Name = nameFromMetaMap(strMeta)
	}
	return pn, true
}

func toStringKey(k interface{}) string {
	switch t := k.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return ""
	}
}

func nameFromMetaMap(meta map[string]interface{}) string {
	for k, v := range meta {
		lower := strings.ToLower(k)
		if _, allowed := metaKeyAllowlist[lower]; !allowed {
			continue
		}
		if s, ok := v.(string); ok {
			if norm := NormalizeDisplayName(s); norm != "" {
				return norm
			}
		}
	}
	return ""
}

// flexibleNumber accepts int, float (with zero fractional part required
// only for int-typed consumers), or text containing digits, matching
// §4.12's "Flexible numeric parsing accepts int, float with zero fractional
// part, text with digits."
func flexibleNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		if n, err := strconv.ParseFloat(extractDigits(t), 64); err == nil {
			return n, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func extractDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
