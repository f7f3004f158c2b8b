package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"time"
)

const (
	claimTimeLayout = "2006-01-02T15:04:05 MST"
	timestampLayout = "2006/01/02 15:04:05 MST"
)

// DisplayLocation is the zone timestamps are rendered in. nil means UTC only.
var DisplayLocation *time.Location

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// PrettyJSON re-indents data with two spaces. Invalid JSON is returned as is.
func PrettyJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var v any
	if json.Unmarshal(data, &v) != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(out)
}

func isTimestampClaim(name string) bool {
	switch name {
	case "auth_time", "exp", "iat", "nbf", "updated_at":
		return true
	}
	return false
}

// FormatClaimValue renders one claim for the claims table. Whole-second
// timestamp claims are followed by their UTC time and, when DisplayLocation
// is set to another zone, the local time.
func FormatClaimValue(name string, v any) string {
	text := formatValue(v)
	if !isTimestampClaim(name) {
		return text
	}
	sec, ok := unixSeconds(v)
	if !ok {
		return text
	}
	t := time.Unix(sec, 0)
	when := t.UTC().Format(claimTimeLayout)
	if DisplayLocation != nil && DisplayLocation != time.UTC {
		when += " / " + t.In(DisplayLocation).Format(claimTimeLayout)
	}
	return text + " (" + when + ")"
}

func unixSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func formatValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case json.Number:
		return n.String()
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case []any, map[string]any:
		if b, err := json.Marshal(n); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// FormatCountdown renders d as MM:SS. Negative durations show 00:00.
func FormatCountdown(d time.Duration) string {
	secs := max(int64(d.Round(time.Second)/time.Second), 0)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// FormatTimestamp renders t in DisplayLocation.
func FormatTimestamp(t time.Time) string {
	if DisplayLocation != nil {
		t = t.In(DisplayLocation)
	}
	return t.Format(timestampLayout)
}
