package sender

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxPublishFrequency is the longest frequency a time.Duration can carry in
// whole seconds. Longer requests are clamped to it.
const MaxPublishFrequency = time.Duration(math.MaxInt64/int64(time.Second)) * time.Second

// ParseConfigResponse extracts config.publish_frequency (seconds) from a
// collector reply. Numbers and numeric strings are accepted; anything else,
// including booleans, zero, negative and non-finite values, yields false.
func ParseConfigResponse(body []byte) (time.Duration, bool) {
	var reply struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || len(reply.Config) == 0 {
		return 0, false
	}

	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(reply.Config, &cfg); err != nil {
		return 0, false
	}
	raw, ok := cfg["publish_frequency"]
	if !ok {
		return 0, false
	}

	seconds, ok := parseSeconds(raw)
	if !ok || seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, false
	}
	if seconds >= MaxPublishFrequency.Seconds() {
		return MaxPublishFrequency, true
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func parseSeconds(raw json.RawMessage) (float64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
