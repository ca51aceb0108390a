package resource

import (
	"fmt"
	"strings"
)

// Type determines which pipeline stages apply to a resource and its default encoding.
type Type int

const (
	Unknown Type = iota
	Binary
	Html
	Css
	CssInline
	Svg
	SiteMap
	StreamingBinary
)

var typeNames = map[Type]string{
	Unknown:         "unknown",
	Binary:          "binary",
	Html:            "html",
	Css:             "css",
	CssInline:       "css-inline",
	Svg:             "svg",
	SiteMap:         "sitemap",
	StreamingBinary: "streaming-binary",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsText reports whether bodies of this type are decoded and rewritten as text.
func (t Type) IsText() bool {
	switch t {
	case Html, Css, CssInline, Svg, SiteMap:
		return true
	}
	return false
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s && t != Unknown {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown resource type %q", s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
