package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// CanonicalizePayload produces the byte-stable serialization used for
// fingerprinting: object keys sorted lexicographically, strings
// NFC-normalized, numbers rendered without insignificant digits, no
// whitespace. Equal canonical payloads serialize to equal bytes on any
// implementation.
func CanonicalizePayload(fields map[string]any) []byte {
	var sb strings.Builder
	writeCanonical(&sb, fields)
	return []byte(sb.String())
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		b, _ := json.Marshal(norm.NFC.String(t))
		sb.Write(b)
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'f', -1, 64))
	case decimal.Decimal:
		sb.WriteString(t.String())
	case json.Number:
		sb.WriteString(t.String())
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(norm.NFC.String(k))
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		writeCanonical(sb, m)
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		writeCanonical(sb, arr)
	default:
		// Fall back to plain JSON for exotic scalar types
		b, err := json.Marshal(t)
		if err != nil {
			sb.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
			return
		}
		sb.Write(b)
	}
}

// FingerprintPayload computes SHA-256 over the canonical payload
// serialization concatenated with the predecessor fingerprint (empty for
// the first document of a chain) and returns it as uppercase hex.
func FingerprintPayload(fields map[string]any, predecessor string) string {
	h := sha256.New()
	h.Write(CanonicalizePayload(fields))
	h.Write([]byte(predecessor))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
