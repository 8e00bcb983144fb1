package session

import (
	"encoding/json"
	"strings"
)

// extractSessionID pulls the session identifier out of an open-session
// response. Router versions have disagreed on where the id lives, so the
// known shapes are tried in order: top-level "sessionID", nested
// "session"."id", then top-level "id". Key matching tolerates case and
// incidental whitespace. This quirk is deliberately isolated here so a future
// upstream cleanup can delete variants without touching the service.
func extractSessionID(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}

	strategies := []func(map[string]any) string{
		func(o map[string]any) string {
			return stringField(o, "sessionID")
		},
		func(o map[string]any) string {
			nested, ok := anyField(o, "session").(map[string]any)
			if !ok {
				return ""
			}
			return stringField(nested, "id")
		},
		func(o map[string]any) string {
			return stringField(o, "id")
		},
	}
	for _, extract := range strategies {
		if id := extract(obj); id != "" {
			return id
		}
	}
	return ""
}

func anyField(obj map[string]any, want string) any {
	for k, v := range obj {
		if strings.EqualFold(strings.TrimSpace(k), want) {
			return v
		}
	}
	return nil
}

func stringField(obj map[string]any, want string) string {
	s, _ := anyField(obj, want).(string)
	return strings.TrimSpace(s)
}
