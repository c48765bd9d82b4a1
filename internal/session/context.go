package session

import "fmt"

// Context keys owned by the authentication dialogue. They hold the
// partially collected registration/login input and are cleared whenever
// the session returns to an idle state.
const (
	ContextKeyRegistration = "registration"
	ContextKeyLogin        = "login"
)

// encodeContext normalizes a session context map for storage. Only a
// closed set of value kinds is representable on the wire: strings,
// booleans, numbers, nested maps of the same, and State values (which
// flatten to their symbolic names). Anything else is an error so that
// unserializable values are caught at the write site, not rediscovered
// as garbage on the next read.
func encodeContext(ctx map[string]any) (map[string]any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(ctx))
	for key, value := range ctx {
		encoded, err := encodeContextValue(value)
		if err != nil {
			return nil, fmt.Errorf("context key %q: %w", key, err)
		}
		out[key] = encoded
	}
	return out, nil
}

func encodeContextValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool, float64, float32, int, int32, int64:
		return v, nil
	case State:
		if !v.Valid() {
			return nil, fmt.Errorf("unknown session state %q", string(v))
		}
		return string(v), nil
	case map[string]any:
		return encodeContext(v)
	default:
		return nil, fmt.Errorf("unsupported context value of type %T", value)
	}
}
