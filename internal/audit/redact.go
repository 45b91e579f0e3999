package audit

import "strings"

// globalSensitiveFields are masked in every event type.
var globalSensitiveFields = map[string]bool{
	"password":   true,
	"secret":     true,
	"secret_key": true,
	"api_key":    true,
	"token":      true,
	"credential": true,
}

// typeSensitiveFields adds per-event-type rules on top of the global set.
var typeSensitiveFields = map[string]map[string]bool{
	"broker_credentials_rotated": {"old_key": true, "new_key": true},
	"operator_login":             {"session_id": true},
}

// maskString keeps the first and last two characters of long strings.
func maskString(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

// redactValue walks a value map and masks sensitive fields in place on a
// copy; the input is never mutated.
func redactValue(eventType string, value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	scoped := typeSensitiveFields[eventType]
	out := make(map[string]any, len(value))
	for k, v := range value {
		if globalSensitiveFields[strings.ToLower(k)] || (scoped != nil && scoped[strings.ToLower(k)]) {
			if s, ok := v.(string); ok {
				out[k] = maskString(s)
			} else {
				out[k] = "****"
			}
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactValue(eventType, nested)
			continue
		}
		out[k] = v
	}
	return out
}
