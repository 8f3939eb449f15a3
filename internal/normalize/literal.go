package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotLiteral is returned when text is not a list or dict literal.
var ErrNotLiteral = errors.New("not a list or dict literal")

// Parser is one decoding attempt over raw cell text.
type Parser struct {
	Name  string
	Parse func(raw string) (any, error)
}

// ParseError lists every attempt that failed, in order.
type ParseError struct {
	Attempts []error
}

func (e *ParseError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		parts = append(parts, err.Error())
	}
	return "no parser accepted the value: " + strings.Join(parts, "; ")
}

func (e *ParseError) Unwrap() []error {
	return e.Attempts
}

// structuredParsers are tried in order for cells holding encoded lists:
// JSON first, then Python literal syntax as written by scrapers that dump
// repr() output (single quotes, None/True/False).
var structuredParsers = []Parser{
	{Name: "json", Parse: parseJSON},
	{Name: "python-literal", Parse: parsePythonLiteral},
}

// decodeStructured runs structuredParsers and returns the first success.
func decodeStructured(raw string) (any, error) {
	var attempts []error
	for _, p := range structuredParsers {
		v, err := p.Parse(raw)
		if err == nil {
			return v, nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", p.Name, err))
	}
	return nil, &ParseError{Attempts: attempts}
}

func parseJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// parsePythonLiteral accepts list and dict literals. String literals are
// rewritten as double-quoted YAML strings first; the flow subset of YAML then
// covers the remaining syntax. Bare None becomes nil.
func parsePythonLiteral(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "{") {
		return nil, ErrNotLiteral
	}
	s, err := quotePythonStrings(s)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, ErrNotLiteral
	}
	root := doc.Content[0]
	if root.Style&yaml.FlowStyle == 0 {
		return nil, ErrNotLiteral
	}
	return literalValue(root)
}

// quotePythonStrings replaces every quoted string in s with strconv.Quote of
// its decoded value. Go escapes are a subset of YAML double-quoted escapes.
func quotePythonStrings(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if c := s[i]; c != '\'' && c != '"' {
			b.WriteByte(c)
			i++
			continue
		}
		val, n, err := readPythonString(s[i:])
		if err != nil {
			return "", err
		}
		b.WriteString(strconv.Quote(val))
		i += n
	}
	return b.String(), nil
}

var escapeWidth = map[byte]int{'x': 2, 'u': 4, 'U': 8}

var simpleEscapes = map[byte]byte{
	'\\': '\\', '\'': '\'', '"': '"',
	'n': '\n', 't': '\t', 'r': '\r',
	'a': '\a', 'b': '\b', 'f': '\f', 'v': '\v',
}

// readPythonString decodes the string literal at the start of s and returns
// its value and the number of bytes consumed.
func readPythonString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\n':
			return "", 0, errors.New("unterminated string literal")
		case c != '\\':
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			break
		}
		i++
		e := s[i]
		if r, ok := simpleEscapes[e]; ok {
			b.WriteByte(r)
			continue
		}
		if w, ok := escapeWidth[e]; ok {
			if i+w >= len(s) {
				return "", 0, fmt.Errorf("truncated \\%c escape", e)
			}
			r, err := strconv.ParseUint(s[i+1:i+1+w], 16, 32)
			if err != nil {
				return "", 0, fmt.Errorf("invalid \\%c escape: %w", e, err)
			}
			b.WriteRune(rune(r))
			i += w
			continue
		}
		switch {
		case e == '\n':
			// Line continuation.
		case e >= '0' && e <= '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			r, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(r))
			i = j - 1
		default:
			// Unknown escapes keep the backslash.
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return "", 0, errors.New("unterminated string literal")
}

func literalValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := literalValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, err := literalValue(n.Content[i])
			if err != nil {
				return nil, err
			}
			v, err := literalValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = v
		}
		return out, nil
	case yaml.ScalarNode:
		if n.Style == 0 {
			switch n.Value {
			case "None":
				return nil, nil
			case "True":
				return true, nil
			case "False":
				return false, nil
			}
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case yaml.AliasNode:
		return nil, fmt.Errorf("line %d: aliases are not literals", n.Line)
	default:
		return nil, fmt.Errorf("line %d: unsupported literal", n.Line)
	}
}
