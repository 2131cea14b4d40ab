package github

import "time"

// payload is a decoded JSON object with type-tolerant accessors. API
// responses are decoded into it so that a missing, null, or wrongly
// typed field degrades to a default instead of failing the whole parse.
type payload map[string]any

// asPayload converts a decoded JSON value to a payload.
func asPayload(v any) (payload, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return payload(m), true
}

// str returns the string at key, or def when the field is missing,
// null, empty, or not a string.
func (p payload) str(key, def string) string {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// intval returns the integer at key. JSON numbers decode as float64.
func (p payload) intval(key string) (int, bool) {
	f, ok := p[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// obj returns the nested object at key; an empty payload when absent,
// so accessor chains stay nil-safe.
func (p payload) obj(key string) payload {
	nested, ok := asPayload(p[key])
	if !ok {
		return payload{}
	}
	return nested
}

// timeval parses the RFC 3339 timestamp at key, zero on any failure.
func (p payload) timeval(key string) time.Time {
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
