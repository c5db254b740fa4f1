package domain

import "encoding/json"

// Records in the state document carry an Extra bag so keys this build does
// not model survive a load/persist round-trip. splitExtras computes the bag:
// it takes the raw object and the already-decoded typed value, and returns
// whatever keys the typed value does not emit.
func splitExtras(data []byte, typed interface{}) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	known, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}
	for key := range knownKeys {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// mergeExtras encodes a typed value and folds the preserved unknown keys
// back in. Typed fields win on collision.
func mergeExtras(typed interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+16)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}
