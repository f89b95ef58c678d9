package scheduler

import "encoding/json"

// decodeClientNames parses a Schedule.RestrictedClients JSON array, treating
// any malformed or empty value as "no restriction" (run against all active
// clients) — the fail-open reading matches the field's documented default
// of '[]'.
func decodeClientNames(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	return names
}

func encodeClientNames(names []string) string {
	if len(names) == 0 {
		return "[]"
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "[]"
	}
	return string(b)
}
