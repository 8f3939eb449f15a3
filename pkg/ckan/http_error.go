package ckan

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pose-ckan/catalog-import/pkg/pipeline/redact"
)

// actionEnvelope is the response shape of every CKAN action endpoint.
type actionEnvelope struct {
	Help    string          `json:"help"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   map[string]any  `json:"error"`
}

// HTTPError is a sanitized summary of a failed CKAN action call: either a non-2xx
// response or a 2xx response whose envelope reports success=false.
//
// Important: do not include raw response bodies here (can leak tokens).
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string

	// ErrorType is CKAN's error.__type (e.g. "Validation Error", "Not Found Error").
	ErrorType string
	Message   string
	// FieldErrors holds validation messages keyed by field name.
	FieldErrors map[string]string

	// Snippet is a redacted, truncated hint for non-CKAN responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "ckan http error"
	}
	parts := []string{
		fmt.Sprintf("ckan api error: action=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.ErrorType) != "" {
		parts = append(parts, "type="+strconvQuote(e.ErrorType))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strconvQuote(e.Message))
	}
	if len(e.FieldErrors) > 0 {
		keys := make([]string, 0, len(e.FieldErrors))
		for k := range e.FieldErrors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconvQuote(e.FieldErrors[k]))
		}
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return redact.Secrets(strings.Join(parts, " "))
}

// NotFound reports whether CKAN answered 404 or a "Not Found Error".
func (e *HTTPError) NotFound() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusNotFound || e.ErrorType == "Not Found Error"
}

func strconvQuote(s string) string {
	return fmt.Sprintf("%q", strings.TrimSpace(s))
}

func newHTTPError(op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	// Best effort: parse the action envelope's error object.
	var env actionEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		h.FieldErrors = make(map[string]string)
		for k, v := range env.Error {
			switch k {
			case "__type":
				h.ErrorType, _ = v.(string)
			case "message":
				h.Message = fmt.Sprint(v)
			default:
				h.FieldErrors[k] = flattenErrorValue(v)
			}
		}
		if len(h.FieldErrors) == 0 {
			h.FieldErrors = nil
		}
		return h
	}

	// Fallback: include a small, redacted hint only.
	h.Snippet = redactAndTruncate(body)
	return h
}

func flattenErrorValue(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case []any:
		parts := make([]string, 0, len(tv))
		for _, item := range tv {
			parts = append(parts, flattenErrorValue(item))
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return string(b)
	default:
		return fmt.Sprint(tv)
	}
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Keep this small: response bodies can contain sensitive data.
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
