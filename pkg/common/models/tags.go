package models

import (
	"sort"
	"strings"
)

// Tags maps a tag name to an optional value. A nil value is a flag tag,
// which is distinct from an absent key.
type Tags map[string]*string

// ParseTag splits "name=value" into a valued tag and "name" into a flag tag.
func ParseTag(spec string) (string, *string) {
	name, value, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if !ok {
		return name, nil
	}
	v := value
	return name, &v
}

func (t Tags) Names() []string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func StrPtr(s string) *string { return &s }
