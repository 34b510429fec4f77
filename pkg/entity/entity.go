package entity

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samber/lo"
)

var ErrMalformedID = errors.New("malformed entity id")

const (
	FriendlyNameAttribute = "friendly_name"

	DeviceTracker = "device_tracker"
	Scene         = "scene"

	separator = "."
)

// Split breaks an entity id of the form <device_type>.<name> into its parts.
func Split(id string) (deviceType, name string, err error) {
	parts := strings.Split(id, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return parts[0], parts[1], nil
}

// Validate reports whether id has the <device_type>.<name> shape.
func Validate(id string) error {
	_, _, err := Split(id)
	return err
}

// DeviceType returns the device type prefix of id, or "" when id is malformed.
func DeviceType(id string) string {
	deviceType, _, err := Split(id)
	if err != nil {
		return ""
	}
	return deviceType
}

// Record is the cached state of a single entity. A nil State means the state
// has not been reported yet. Attributes is never nil on records produced by
// this package.
type Record struct {
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func NewRecord() Record {
	return Record{Attributes: map[string]any{}}
}

// Clone returns a deep copy of r. Nested maps and slices in State and
// Attributes are copied too, so the result can be mutated freely.
func (r Record) Clone() Record {
	attrs := make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = cloneValue(v)
	}
	return Record{State: cloneValue(r.State), Attributes: attrs}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	case []int:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

// Merge applies u on top of a copy of r. Attribute keys missing from u are kept.
func (r Record) Merge(u Update) Record {
	out := r.Clone()
	if u.HasState {
		out.State = u.State
	}
	if u.Attributes != nil {
		out.Attributes = lo.Assign(out.Attributes, u.Attributes)
	}
	return out
}

func (r Record) Attribute(key string) (any, bool) {
	v, ok := r.Attributes[key]
	return v, ok
}

// StateString renders the state as a string, "" when unknown.
func (r Record) StateString() string {
	if r.State == nil {
		return ""
	}
	if s, ok := r.State.(string); ok {
		return s
	}
	return fmt.Sprint(r.State)
}

// Update carries the optional parts of a local write.
type Update struct {
	State      any
	HasState   bool
	Attributes map[string]any
}

func WithState(state any) Update {
	return Update{State: state, HasState: true}
}

func WithAttributes(attrs map[string]any) Update {
	return Update{Attributes: attrs}
}

// And combines two updates, values from o win.
func (u Update) And(o Update) Update {
	out := u
	if o.HasState {
		out.State = o.State
		out.HasState = true
	}
	if o.Attributes != nil {
		out.Attributes = lo.Assign(u.Attributes, o.Attributes)
	}
	return out
}

func (u Update) IsEmpty() bool {
	return !u.HasState && u.Attributes == nil
}
