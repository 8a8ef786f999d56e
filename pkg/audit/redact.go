package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

var actorKeys = []string{"activated_by", "raised_by", "resolved_by", "released_by", "refunded_by"}

// identityKeys name payload fields that carry a user identity.
var identityKeys = map[string]bool{
	"activated_by": true,
	"raised_by":    true,
	"resolved_by":  true,
	"released_by":  true,
	"refunded_by":  true,
	"buyer":        true,
	"seller":       true,
	"to":           true,
	"user":         true,
}

func actorOf(payload map[string]any) string {
	for _, k := range actorKeys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// redactPayload hashes identity values. Distribution maps are keyed by
// party, so their keys are hashed too.
func redactPayload(payload map[string]any, salt []byte) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch {
		case identityKeys[k]:
			if s, ok := v.(string); ok {
				out[k] = hashString(s, salt)
				continue
			}
			out[k] = v
		case k == "distribution":
			out[k] = redactDistribution(v, salt)
		default:
			out[k] = v
		}
	}
	return out
}

func redactDistribution(v any, salt []byte) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, amount := range m {
		out[hashString(k, salt)] = amount
	}
	return out
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
