package protocol

import (
	"maps"
	"net/url"
	"slices"
	"strings"
)

// KeyValue is one row of a two-column display table.
type KeyValue struct {
	Key   string
	Value string
}

// QueryRows lists the parameters of an authorization request URL or of a
// callback query string. Parameters carried in a URL fragment are included.
func QueryRows(raw string) []KeyValue {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	values := url.Values{}
	if u, err := url.Parse(raw); err == nil && (u.Scheme != "" || strings.HasPrefix(raw, "/")) {
		merge(values, u.RawQuery)
		merge(values, u.Fragment)
	} else {
		merge(values, strings.TrimPrefix(raw, "?"))
	}
	return ValueRows(values)
}

func merge(dst url.Values, query string) {
	if query == "" {
		return
	}
	parsed, err := url.ParseQuery(query)
	if err != nil {
		return
	}
	for k, vs := range parsed {
		dst[k] = append(dst[k], vs...)
	}
}

// ValueRows flattens v into rows sorted by key; repeated keys keep their order.
func ValueRows(v url.Values) []KeyValue {
	if len(v) == 0 {
		return nil
	}
	rows := make([]KeyValue, 0, len(v))
	for _, k := range slices.Sorted(maps.Keys(v)) {
		for _, val := range v[k] {
			rows = append(rows, KeyValue{Key: k, Value: val})
		}
	}
	return rows
}
