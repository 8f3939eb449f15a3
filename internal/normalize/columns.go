package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pose-ckan/catalog-import/pkg/ckan"
)

// MaintainerEmails extracts contact emails from the maintainers column.
//
// A JSON list of objects yields their non-empty, non-"null" emails joined by
// ", ". Text that is not JSON is returned verbatim. Valid JSON of any other
// shape yields "".
func MaintainerEmails(raw string) string {
	if raw == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	var emails []string
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		email := stringField(obj, "email")
		if email == "" || email == "null" {
			continue
		}
		emails = append(emails, email)
	}
	return strings.Join(emails, ", ")
}

// ParseTags splits the tags column on commas. Blank tags are dropped.
func ParseTags(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// TagObjects renders tags the way the catalog expects them: [{"name": tag}].
func TagObjects(tags []string) []map[string]string {
	out := make([]map[string]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, map[string]string{"name": t})
	}
	return out
}

// CKANVersion decodes the ckan_version column. Text starting with "[" is a
// list literal and must decode; anything else is passed through as a scalar.
func CKANVersion(raw string) (ckan.Field, error) {
	if !strings.HasPrefix(raw, "[") {
		return ckan.ScalarField(raw), nil
	}
	v, err := decodeStructured(raw)
	if err != nil {
		return nil, fmt.Errorf("ckan_version: %w", err)
	}
	if _, ok := v.([]any); !ok {
		return nil, fmt.Errorf("ckan_version: expected a list, got %s", kindOf(v))
	}
	return ckan.StructuredField{Value: v}, nil
}

// Extras returns the dataset extras for a row, or nil when there are none.
func Extras(row Row) []map[string]string {
	v := row.Get("each_row_is")
	if v == "" {
		return nil
	}
	return []map[string]string{{"key": "each_row_is", "value": v}}
}
