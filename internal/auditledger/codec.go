package auditledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Serialize returns the canonical byte form of a block's hashed fields:
//
//	<index>|<timestamp>|<previousHash>|<canonical payload JSON>|<nonce>
//
// Payload keys are emitted in sorted order, so the output does not depend on
// map iteration order.
func Serialize(index int, timestamp float64, previousHash string, payload Payload, nonce uint64) ([]byte, error) {
	canon, err := CanonicalPayload(payload)
	if err != nil {
		return nil, err
	}
	return appendNonce(headerPrefix(index, timestamp, previousHash, canon), nonce), nil
}

// Digest returns the lowercase hex SHA-256 of b (64 characters).
func Digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// HashBlock recomputes the digest of b's fields, ignoring b.Hash.
func HashBlock(b *Block) (string, error) {
	raw, err := Serialize(b.Index, b.Timestamp, b.PreviousHash, b.Payload, b.Nonce)
	if err != nil {
		return "", err
	}
	return Digest(raw), nil
}

// headerPrefix is everything up to and including the separator before the
// nonce. Mining builds it once and only re-appends the nonce per attempt.
func headerPrefix(index int, timestamp float64, previousHash string, canonPayload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(index))
	buf.WriteByte('|')
	buf.WriteString(formatTimestamp(timestamp))
	buf.WriteByte('|')
	buf.WriteString(previousHash)
	buf.WriteByte('|')
	buf.Write(canonPayload)
	buf.WriteByte('|')
	return buf.Bytes()
}

func appendNonce(prefix []byte, nonce uint64) []byte {
	out := make([]byte, len(prefix), len(prefix)+20)
	copy(out, prefix)
	return strconv.AppendUint(out, nonce, 10)
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// CanonicalPayload encodes p as compact JSON with object keys sorted
// lexicographically at every level. A nil payload encodes as {}.
func CanonicalPayload(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if p == nil {
		buf.WriteString("{}")
		return buf.Bytes(), nil
	}
	if err := encodeValue(&buf, "$", map[string]any(p)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, path string, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, path, val)
	case json.Number:
		if _, err := val.Float64(); err != nil {
			return &EncodingError{Path: path, Type: "json.Number(" + string(val) + ")"}
		}
		buf.WriteString(string(val))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return encodeScalar(buf, path, val)
	case float32:
		return encodeFloat(buf, path, float64(val))
	case float64:
		return encodeFloat(buf, path, val)
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, fmt.Sprintf("%s[%d]", path, i), s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeObject(buf, path, m)
	case Payload:
		return encodeObject(buf, path, map[string]any(val))
	case map[string]any:
		return encodeObject(buf, path, val)
	default:
		return &EncodingError{Path: path, Type: reflect.TypeOf(v).String()}
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, path string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, path+"."+k, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, path+"."+k, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeFloat(buf *bytes.Buffer, path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Type: "float64(" + strconv.FormatFloat(f, 'g', -1, 64) + ")"}
	}
	return encodeScalar(buf, path, f)
}

// encodeString rejects invalid UTF-8. encoding/json would silently replace
// it with U+FFFD, so the stored payload would no longer match the mined bytes.
func encodeString(buf *bytes.Buffer, path, s string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Type: "string(invalid UTF-8)"}
	}
	return encodeScalar(buf, path, s)
}

// encodeScalar defers to encoding/json so numbers and strings are written
// exactly as a later json.Marshal of the decoded payload would write them.
func encodeScalar(buf *bytes.Buffer, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Path: path, Type: reflect.TypeOf(v).String()}
	}
	buf.Write(raw)
	return nil
}

// decodePayload parses canonical payload JSON, keeping numbers as json.Number
// so re-encoding reproduces the original digits.
func decodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// normalizePayload returns the canonical encoding of p together with the
// decoded form a reload from that encoding would yield. The decoded form must
// encode back to the same bytes, otherwise the block could not be verified
// after it is stored.
func normalizePayload(p Payload) ([]byte, Payload, error) {
	canon, err := CanonicalPayload(p)
	if err != nil {
		return nil, nil, err
	}
	norm, err := decodePayload(canon)
	if err != nil {
		return nil, nil, err
	}
	again, err := CanonicalPayload(norm)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(canon, again) {
		return nil, nil, &EncodingError{Path: "$", Type: "payload(unstable encoding)"}
	}
	return canon, norm, nil
}
