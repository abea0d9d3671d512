// --- File: internal/payload/encoder.go ---
// Package payload turns queued notifications into APNs-formatted message bodies.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	apnspayload "github.com/sideshow/apns2/payload"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// apsKey is owned by the provider schema and cannot be used for custom fields.
const apsKey = "aps"

// Encode builds the provider payload for n.
//
// The body is produced by the apns2 payload builder and marshalled with
// encoding/json, so alert text containing quotes, braces or control characters
// always yields valid JSON.
func Encode(n dispatch.PendingNotification) (dispatch.EncodedPayload, error) {
	if n.DeviceToken == "" {
		return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: "empty device token"}
	}
	if n.Badge < 0 {
		return dispatch.EncodedPayload{}, &dispatch.EncodingError{
			NotificationID: n.ID,
			Reason:         fmt.Sprintf("negative badge %d", n.Badge),
		}
	}

	// encoding/json would silently replace invalid bytes with U+FFFD.
	if !utf8.ValidString(n.Alert) {
		return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: "alert is not valid UTF-8"}
	}

	builder := apnspayload.NewPayload().
		Alert(n.Alert).
		Badge(n.Badge)

	for k, v := range n.Custom {
		if k == apsKey {
			return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: "custom field collides with aps"}
		}
		if !utf8.ValidString(k) {
			return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: fmt.Sprintf("custom field name %q is not valid UTF-8", k)}
		}
		if str, ok := v.(string); ok && !utf8.ValidString(str) {
			return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: fmt.Sprintf("custom field %q is not valid UTF-8", k)}
		}
		if !isScalar(v) {
			return dispatch.EncodedPayload{}, &dispatch.EncodingError{
				NotificationID: n.ID,
				Reason:         fmt.Sprintf("custom field %q has unsupported type %T", k, v),
			}
		}
		builder.Custom(k, v)
	}

	body, err := json.Marshal(builder)
	if err != nil {
		return dispatch.EncodedPayload{}, &dispatch.EncodingError{NotificationID: n.ID, Reason: err.Error()}
	}

	return dispatch.EncodedPayload{
		NotificationID: n.ID,
		DeviceToken:    n.DeviceToken,
		Body:           body,
	}, nil
}

// Decoded is the parsed view of an encoded body, used by providers that need
// structured fields rather than raw JSON.
type Decoded struct {
	Alert  string
	Badge  int
	Custom map[string]any
}

// Decode parses a body produced by Encode. Custom numbers come back as
// json.Number holding the literal digits, so ids survive unchanged.
func Decode(body []byte) (Decoded, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Decoded{}, fmt.Errorf("failed to parse payload body: %w", err)
	}

	var aps struct {
		Alert string `json:"alert"`
		Badge *int   `json:"badge"`
	}
	if apsRaw, ok := raw[apsKey]; ok {
		if err := json.Unmarshal(apsRaw, &aps); err != nil {
			return Decoded{}, fmt.Errorf("failed to parse aps dictionary: %w", err)
		}
	}

	d := Decoded{Alert: aps.Alert, Custom: make(map[string]any, len(raw))}
	if aps.Badge != nil {
		d.Badge = *aps.Badge
	}
	for k, v := range raw {
		if k == apsKey {
			continue
		}
		var val any
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&val); err != nil {
			return Decoded{}, fmt.Errorf("failed to parse custom field %q: %w", k, err)
		}
		d.Custom[k] = val
	}
	return d, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
