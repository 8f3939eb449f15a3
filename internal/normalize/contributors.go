package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxContributors caps the plain contributor list.
const MaxContributors = 10

const (
	invalidContributorData = "Invalid contributor data format"
	contributorErrorPrefix = "Error formatting contributors: "
)

// Contributor is one entry of the contributor_details column.
type Contributor struct {
	Name          string
	Username      string
	Contributions int
	// ContributionsText is the count as written in the source, for rendering.
	ContributionsText string
	Email             string
	ProfileURL        string
	Role              string
}

// ParseContributors normalizes the plain contributor column.
//
// A []string is truncated to MaxContributors. A string is split on commas,
// trimmed, and empty names dropped, keeping at most MaxContributors in input
// order. Anything else yields an empty list.
func ParseContributors(v any) []string {
	switch tv := v.(type) {
	case []string:
		if len(tv) > MaxContributors {
			return tv[:MaxContributors]
		}
		return tv
	case string:
		out := []string{}
		if tv == "" {
			return out
		}
		for _, c := range strings.Split(tv, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			out = append(out, c)
			if len(out) >= MaxContributors {
				break
			}
		}
		return out
	default:
		return []string{}
	}
}

// DecodeContributors parses contributor_details (JSON or Python literal) into
// contributors in source order.
func DecodeContributors(raw string) ([]Contributor, error) {
	v, err := decodeStructured(raw)
	if err != nil {
		return nil, err
	}
	return contributorsFromValue(v)
}

// SortByContributions orders contributors by descending contribution count.
// Ties keep their input order.
func SortByContributions(cs []Contributor) []Contributor {
	out := make([]Contributor, len(cs))
	copy(out, cs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Contributions > out[j].Contributions
	})
	return out
}

// FormatContributors renders contributor_details as a markdown section.
//
// It never fails: undecodable text yields "Invalid contributor data format",
// and decodable text of the wrong shape yields a string starting with
// "Error formatting contributors:".
func FormatContributors(raw string) string {
	v, err := decodeStructured(raw)
	if err != nil {
		return invalidContributorData
	}
	cs, err := contributorsFromValue(v)
	if err != nil {
		return contributorErrorPrefix + err.Error()
	}

	lines := []string{"## Contributors\n"}
	for i, c := range SortByContributions(cs) {
		name := c.Name
		if name == "" {
			name = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("### %d. %s (@%s)", i+1, name, c.Username))
		lines = append(lines, "* Contributions: "+c.ContributionsText)
		if c.Email != "" && c.Email != "null" {
			lines = append(lines, "* Email: "+c.Email)
		}
		if c.ProfileURL != "" {
			lines = append(lines, "* GitHub: "+c.ProfileURL)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// ContributorTable renders contributor_details as a markdown table with
// Username, Contributions, Profile, Email, Name and Role columns.
func ContributorTable(raw string) (string, error) {
	cs, err := DecodeContributors(raw)
	if err != nil {
		return "", err
	}
	headers := []string{"Username", "Contributions", "Profile", "Email", "Name", "Role"}
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}

	rows := []string{
		"| " + strings.Join(headers, " | ") + " |",
		"| " + strings.Join(sep, " | ") + " |",
	}
	for _, c := range cs {
		email := c.Email
		if email == "" || email == "null" {
			email = "-"
		}
		name := c.Name
		if name == "" {
			name = "-"
		}
		vals := []string{
			c.Username,
			c.ContributionsText,
			fmt.Sprintf("[Profile](%s)", c.ProfileURL),
			email,
			name,
			c.Role,
		}
		for i, v := range vals {
			vals[i] = strings.ReplaceAll(v, "|", `\|`)
		}
		rows = append(rows, "| "+strings.Join(vals, " | ")+" |")
	}
	return strings.Join(rows, "\n"), nil
}

func contributorsFromValue(v any) ([]Contributor, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of contributors, got %s", kindOf(v))
	}
	out := make([]Contributor, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("contributor %d: expected an object, got %s", i+1, kindOf(item))
		}
		c, err := contributorFromMap(obj)
		if err != nil {
			return nil, fmt.Errorf("contributor %d: %w", i+1, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func contributorFromMap(m map[string]any) (Contributor, error) {
	c := Contributor{
		Name:       stringField(m, "name"),
		Username:   stringField(m, "username"),
		Email:      stringField(m, "email"),
		ProfileURL: stringField(m, "profile_url"),
		Role:       stringField(m, "role"),
	}
	n, text, err := countField(m["contributions"])
	if err != nil {
		return Contributor{}, fmt.Errorf("contributions: %w", err)
	}
	c.Contributions, c.ContributionsText = n, text
	return c, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func countField(v any) (int, string, error) {
	switch tv := v.(type) {
	case nil:
		return 0, "0", nil
	case int:
		return tv, strconv.Itoa(tv), nil
	case float64:
		return int(tv), strconv.FormatFloat(tv, 'f', -1, 64), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(tv))
		if err != nil {
			return 0, "", fmt.Errorf("not a number: %q", tv)
		}
		return n, tv, nil
	default:
		return 0, "", fmt.Errorf("unsupported type %s", kindOf(v))
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
