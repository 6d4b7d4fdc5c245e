package profile

import (
	"fmt"
	"strings"
)

type FieldType int

const (
	String FieldType = iota
	Int
	Double
	Map
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "String"
	case Int:
		return "Int"
	case Double:
		return "Double"
	case Map:
		return "Map"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ProfileFieldComment marks a map field as holding temporal profile records.
const ProfileFieldComment = "eotsv:temporal-profile"

const DefaultProfileField = "profile"

type Field struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Comment string    `json:"comment,omitempty"`
}

func NewProfileField(name string) Field {
	return Field{Name: name, Type: Map, Comment: ProfileFieldComment}
}

func (f Field) IsProfileField() bool {
	return f.Type == Map && strings.HasPrefix(f.Comment, ProfileFieldComment)
}

// ProfileFields filters the profile fields of a schema, keeping order.
func ProfileFields(fields []Field) []Field {
	var out []Field
	for _, f := range fields {
		if f.IsProfileField() {
			out = append(out, f)
		}
	}
	return out
}
