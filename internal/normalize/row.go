package normalize

import (
	"fmt"
	"sort"
	"strings"
)

// Row is one CSV record keyed by header name. Any key may be absent or empty.
type Row map[string]string

// Get returns the value for key, or "" when the column is absent.
func (r Row) Get(key string) string {
	return r[key]
}

// Has reports whether key is present with a non-empty value.
func (r Row) Has(key string) bool {
	return r[key] != ""
}

// Require returns the values for keys, failing when a column is missing from
// the row entirely. Present-but-empty values are returned as "".
func (r Row) Require(keys ...string) ([]string, error) {
	out := make([]string, 0, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out = append(out, v)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing column(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// String renders the row as sorted key=value pairs for log lines.
func (r Row) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, r[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
