package debug

import jsoniter "github.com/json-iterator/go"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON renders v for diagnostic logging (migration snapshots, ghost
// payloads) only when debug assertions are enabled, so the encode cost
// never reaches a release binary's hot path. Returns "" in release
// builds and a "<json error: ...>" marker on encode failure.
func JSON(v any) string {
	if !Enabled {
		return ""
	}
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return "<json error: " + err.Error() + ">"
	}
	return string(b)
}
