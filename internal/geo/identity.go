package geo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change without colliding with old ids.
const (
	DomainAlert = "anchornotes/alert/v1"
)

// regionPrefix matches the request id format the platform sees.
const regionPrefix = "note_"

// RegionRequestID is the request id used when registering a note's region.
func RegionRequestID(noteID string) string {
	return regionPrefix + noteID
}

// NoteIDFromRequestID reverses RegionRequestID.
// Returns false for ids that were not produced by RegionRequestID.
func NoteIDFromRequestID(requestID string) (string, bool) {
	if !strings.HasPrefix(requestID, regionPrefix) || len(requestID) == len(regionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(requestID, regionPrefix), true
}

// AlertID computes the identity key of a user-visible alert.
// The same (record, transition, triggeredAt) triple always yields the same id,
// which is what makes dispatch idempotent across crashes.
func AlertID(recordID string, t Transition, triggeredAt time.Time) string {
	fields := map[string]any{
		"record_id":    recordID,
		"transition":   string(t),
		"triggered_at": triggeredAt.UTC().UnixNano(),
	}
	data, err := marshalCanonical(fields)
	if err != nil {
		// Only strings and ints reach marshalCanonical.
		panic(fmt.Sprintf("AlertID: %v", err))
	}
	return hashWithDomain(DomainAlert, data)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// marshalCanonical writes a flat object with sorted keys, NFC-normalized
// strings and no HTML escaping. Only string and integer values are allowed.
func marshalCanonical(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		switch v := fields[k].(type) {
		case string:
			vb, err := marshalCanonicalString(v)
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		case int64:
			fmt.Fprintf(&buf, "%d", v)
		case int:
			fmt.Fprintf(&buf, "%d", v)
		default:
			return nil, fmt.Errorf("unsupported canonical value for %q: %T", k, v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
