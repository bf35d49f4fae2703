// Package knowledge talks to the shared cross-instance knowledge store: pattern
// rules are queried from it and confirmed detections are published to it.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Topics understood by the knowledge store.
const (
	TopicRulesQuery       = "patterns.rules.query"
	TopicCrossRefQuery    = "patterns.crossref.query"
	TopicDetectionPublish = "learning.detection.publish"
)

// DefaultTimeout bounds a single query.
const DefaultTimeout = 3000 * time.Millisecond

// Response keys.
const (
	KeyStatus   = "status"
	KeyReason   = "reason"
	KeyData     = "data"
	KeyDegraded = "degraded_mode"

	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// Client is the request/response and fire-and-forget contract of the store.
type Client interface {
	Query(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (Response, error)
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// Response is a structured store reply.
type Response map[string]any

// OK builds a successful response carrying data.
func OK(data any) Response {
	return Response{KeyStatus: StatusOK, KeyData: data}
}

// Degraded builds the response returned when the store cannot be reached.
func Degraded(reason string) Response {
	return Response{
		KeyStatus:   StatusUnavailable,
		KeyReason:   reason,
		KeyData:     []any{},
		KeyDegraded: true,
	}
}

// IsDegraded reports whether r came from degraded mode.
func (r Response) IsDegraded() bool {
	if r == nil {
		return true
	}
	d, _ := r[KeyDegraded].(bool)
	return d
}

// Reason returns the degradation reason, if any.
func (r Response) Reason() string {
	s, _ := r[KeyReason].(string)
	return s
}

// Data returns the payload, or nil in degraded mode.
func (r Response) Data() any {
	if r.IsDegraded() {
		return nil
	}
	return r[KeyData]
}

// DecodeData decodes the response payload into v. Degraded responses leave v
// untouched and return false.
func (r Response) DecodeData(v any) (bool, error) {
	data := r.Data()
	if data == nil {
		return false, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode response data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode response data: %w", err)
	}
	return true, nil
}

// Normalize converts a Go value into the plain map/slice/scalar form that
// structured transports accept, by round-tripping through JSON.
func Normalize(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
