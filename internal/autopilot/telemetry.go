package autopilot

import (
	"encoding/json"
	"strings"
)

const (
	TelemetryAck     = "ack"
	TelemetryStatus  = "status"
	TelemetryError   = "error"
	TelemetryUnknown = "unknown"
)

// ClassifyTelemetry returns the kind of a line received from the autopilot.
// JSON lines carry their kind in a "type" field; anything that is not JSON is
// treated as free-form status text, except lines that look like errors.
func ClassifyTelemetry(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return TelemetryUnknown
	}
	if strings.HasPrefix(line, "{") {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return TelemetryUnknown
		}
		switch m.Type {
		case TelemetryAck, TelemetryStatus, TelemetryError:
			return m.Type
		}
		return TelemetryUnknown
	}
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "err") || strings.Contains(lower, "failsafe") {
		return TelemetryError
	}
	return TelemetryStatus
}
