package loxone

import (
	"fmt"
	"strings"
)

const (
	unknownSearchDescription = "unknown • unknown"
	descriptionSeparator     = " • "
	typePrefix               = "type="
)

// Identifier addresses a single control of the web interface:
//
//	<room> • <category>:type=<type>:<uuidAction>
type Identifier struct {
	SearchDescription string
	Type              string
	ActionUUID        string
}

// BuildIdentifier formats an identifier string, substituting the unknown
// search description when the control has none.
func BuildIdentifier(searchDescription, typ, uuidAction string) string {
	return Identifier{
		SearchDescription: searchDescription,
		Type:              typ,
		ActionUUID:        uuidAction,
	}.String()
}

// ParseIdentifier splits an identifier string into its parts.
func ParseIdentifier(s string) (Identifier, error) {
	last := strings.LastIndex(s, ":")
	if last < 0 {
		return Identifier{}, fmt.Errorf("invalid identifier %q: missing action uuid", s)
	}
	head, uuid := s[:last], s[last+1:]

	mid := strings.LastIndex(head, ":")
	if mid < 0 {
		return Identifier{}, fmt.Errorf("invalid identifier %q: missing type", s)
	}
	desc, typ := head[:mid], head[mid+1:]

	if !strings.HasPrefix(typ, typePrefix) {
		return Identifier{}, fmt.Errorf("invalid identifier %q: type segment %q", s, typ)
	}

	return Identifier{
		SearchDescription: desc,
		Type:              strings.TrimPrefix(typ, typePrefix),
		ActionUUID:        uuid,
	}, nil
}

// String formats the identifier.
func (id Identifier) String() string {
	desc := id.SearchDescription
	if desc == "" {
		desc = unknownSearchDescription
	}
	return desc + ":" + typePrefix + id.Type + ":" + id.ActionUUID
}

// Room is the part of the search description before the bullet.
func (id Identifier) Room() string {
	room, _, _ := strings.Cut(id.SearchDescription, descriptionSeparator)
	return room
}

// Category is the part of the search description after the bullet.
func (id Identifier) Category() string {
	_, category, _ := strings.Cut(id.SearchDescription, descriptionSeparator)
	return category
}

// SplitTail returns the last element of input split by sep.
func SplitTail(input, sep string) string {
	if input == "" {
		return ""
	}
	parts := strings.Split(input, sep)
	return parts[len(parts)-1]
}

// SplitHead returns the first element of input split by sep.
func SplitHead(input, sep string) string {
	if input == "" {
		return ""
	}
	head, _, _ := strings.Cut(input, sep)
	return head
}
