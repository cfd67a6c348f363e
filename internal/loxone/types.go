package loxone

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Categories as they appear in the second half of a control's search description.
const (
	CategoryClimate     = "Klima"
	CategoryShading     = "Beschattung"
	CategoryLighting    = "Beleuchtung"
	CategoryVentilation = "Lüftung"
)

// Tilt is the slat angle of a jalousie.
type Tilt string

const (
	TiltClosed Tilt = "closed"
	TiltTilted Tilt = "tilted"
	TiltOpen   Tilt = "open"
)

// BlindsType distinguishes jalousies with slats from awnings.
type BlindsType string

const (
	BlindsTypeBlinds BlindsType = "blinds"
	BlindsTypeAwning BlindsType = "awning"
)

// TimingVariant selects the default travel time of a covering.
type TimingVariant string

const (
	TimingWindow    TimingVariant = "window"
	TimingWindowBig TimingVariant = "window-big"
	TimingAwning    TimingVariant = "awning"
)

// Component is a control collected from window.collection after login.
type Component struct {
	Identifier        string `json:"identifier"`
	UUIDAction        string `json:"uuidAction"`
	Name              string `json:"name"`
	SearchDescription string `json:"searchDescription"`
	Type              string `json:"type"`
	DefaultIcon       string `json:"defaultIcon"`
	ControlType       string `json:"controlType"`
	GroupDetail       string `json:"groupDetail"`
	Room              string `json:"room"`
	IsSecured         bool   `json:"isSecured"`
}

// ControlRef is the part of a control the status hook forwards.
type ControlRef struct {
	SearchDescription string `json:"searchDescription"`
	Type              string `json:"type"`
	UUIDAction        string `json:"uuidAction"`
}

// Identifier builds the identifier string of the referenced control.
func (c ControlRef) Identifier() string {
	return BuildIdentifier(c.SearchDescription, c.Type, c.UUIDAction)
}

// StatusUpdate is the payload of the status binding.
type StatusUpdate struct {
	Control ControlRef      `json:"control"`
	NewVals json.RawMessage `json:"newVals,omitempty"`
	States  json.RawMessage `json:"states,omitempty"`
}

// Values returns newVals when present and states otherwise.
func (u StatusUpdate) Values() ([]*States, error) {
	if !isEmptyJSON(u.NewVals) {
		return DecodeStates(u.NewVals)
	}
	return DecodeStates(u.States)
}

// States is a single state object from the web interface. Key order is
// preserved because accessories read values by position.
type States = orderedmap.OrderedMap[string, any]

// NewStates builds a States from alternating keys and values.
func NewStates(kv ...any) *States {
	s := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		s.Set(key, kv[i+1])
	}
	return s
}

// DecodeStates decodes an object or an array of objects into States.
func DecodeStates(raw json.RawMessage) ([]*States, error) {
	trimmed := bytes.TrimSpace(raw)
	if isEmptyJSON(trimmed) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var list []*States
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode state list: %w", err)
		}
		result := make([]*States, 0, len(list))
		for _, s := range list {
			if s != nil {
				result = append(result, s)
			}
		}
		return result, nil
	}

	s := orderedmap.New[string, any]()
	if err := json.Unmarshal(trimmed, s); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return []*States{s}, nil
}

// KeyAt returns the key at position i.
func KeyAt(s *States, i int) (string, bool) {
	if s == nil || i < 0 {
		return "", false
	}
	n := 0
	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		if n == i {
			return pair.Key, true
		}
		n++
	}
	return "", false
}

// ValueAt returns the value at position i.
func ValueAt(s *States, i int) (any, bool) {
	key, ok := KeyAt(s, i)
	if !ok {
		return nil, false
	}
	return s.Get(key)
}

// NumberAt returns the value at position i as a number.
func NumberAt(s *States, i int) (float64, bool) {
	v, ok := ValueAt(s, i)
	if !ok {
		return 0, false
	}
	return Number(v)
}

// Number converts a decoded JSON value to float64. NaN and non-numeric
// strings are rejected.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Truthy mirrors how the web interface treats flag values.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		f, ok := Number(v)
		return ok && f != 0
	}
}

func isEmptyJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
