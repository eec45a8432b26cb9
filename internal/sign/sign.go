// Package sign implements canonical-JSON construction and HMAC-SHA256
// signing for device commands. The signed envelope's key order is fixed by
// contract (type, tool, args, request_id, timestamp), so canonicalization
// here is exact field-order construction rather than generic sorted-key
// serialization — no example in the retrieved pack performs this kind of
// request signing, so the implementation is plain crypto/hmac +
// crypto/sha256 + a small ordered-field string builder.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Envelope is the inner, canonically-serialized command body that gets
// signed. Field order on the wire is fixed: type, tool, args, request_id,
// timestamp.
type Envelope struct {
	Type      string
	Tool      string
	Args      map[string]any
	RequestID string
	Timestamp int64
}

// Canonical renders e as the exact compact-JSON string the signature covers.
// It is built by hand, not through encoding/json's struct marshaling, so the
// key order is guaranteed regardless of Go's map/struct field ordering
// rules.
func Canonical(e Envelope) (string, error) {
	args, err := canonicalValue(e.Args)
	if err != nil {
		return "", err
	}
	tool, err := json.Marshal(e.Tool)
	if err != nil {
		return "", err
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return "", err
	}
	reqID, err := json.Marshal(e.RequestID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"type":`)
	b.Write(typ)
	b.WriteString(`,"tool":`)
	b.Write(tool)
	b.WriteString(`,"args":`)
	b.WriteString(args)
	b.WriteString(`,"request_id":`)
	b.Write(reqID)
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte('}')
	return b.String(), nil
}

// canonicalValue serializes args with compact (whitespace-free) encoding.
// encoding/json.Marshal is already whitespace-free and deterministic for a
// map[string]any built from parsed JSON or literal Go values with sorted
// string keys, matching the "stable key order" requirement for the args
// sub-object.
func canonicalValue(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HMAC computes the hex-encoded HMAC-SHA256 of data under token.
func HMAC(token, data string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 of data under
// token, using constant-time comparison.
func Verify(token, data, signature string) bool {
	expected := HMAC(token, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}
