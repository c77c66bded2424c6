package repo

import (
	"encoding/json"
	"sort"
)

// maxSnapshotKeys caps the key list kept in a truncated snapshot.
const maxSnapshotKeys = 64

// snapshotRawEvent renders v as JSON of at most max bytes. Payloads that are
// too large or cannot be marshalled are replaced by a deterministic summary:
// the sorted top-level keys and the longest prefix of those keys whose
// values still fit, marked "truncated". It never fails.
func snapshotRawEvent(v any, max int) string {
	if v == nil {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err == nil && len(raw) <= max {
		return string(raw)
	}

	summary := map[string]any{"truncated": true}
	var top map[string]json.RawMessage
	if err != nil {
		summary["error"] = "unserializable"
	} else {
		summary["original_bytes"] = len(raw)
		_ = json.Unmarshal(raw, &top)
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxSnapshotKeys {
		keys = keys[:maxSnapshotKeys]
	}
	summary["keys"] = keys

	out := mustMarshal(summary)
	if len(out) > max {
		delete(summary, "keys")
		return string(mustMarshal(summary))
	}
	for _, k := range keys {
		if k == "truncated" || k == "keys" || k == "original_bytes" || k == "error" {
			continue
		}
		summary[k] = top[k]
		next := mustMarshal(summary)
		if len(next) > max {
			delete(summary, k)
			break
		}
		out = next
	}
	return string(out)
}

func mustMarshal(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"truncated":true}`)
	}
	return b
}
