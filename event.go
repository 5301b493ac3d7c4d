package auditlog

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Event is a tree of named fields with JSON-like values. It is immutable
// once accepted by the Audit Service: every method on Event returns a new
// value rather than mutating the receiver.
type Event struct {
	fields map[string]*structpb.Value
}

// NewEvent builds an Event from plain Go values (the kind produced by
// decoding JSON). Nested maps/slices are converted to structpb trees via
// structpb.NewValue, which already covers the null/bool/number/string/
// array/object value set.
func NewEvent(fields map[string]any) (Event, error) {
	out := make(map[string]*structpb.Value, len(fields))
	for k, v := range fields {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return Event{}, newErr(CodeBadRequest, "NewEvent", fmt.Errorf("field %q: %w", k, err))
		}
		out[k] = pv
	}
	return Event{fields: out}, nil
}

// Get returns the raw field value and whether it was present.
func (e Event) Get(name string) (*structpb.Value, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// GetString returns a string field, or "" if absent or not a string.
func (e Event) GetString(name string) string {
	v, ok := e.fields[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// With returns a copy of the Event with name set to value, leaving the
// receiver untouched.
func (e Event) With(name string, value *structpb.Value) Event {
	out := make(map[string]*structpb.Value, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	out[name] = value
	return Event{fields: out}
}

// Fields returns the event's field map. Callers must not mutate it.
func (e Event) Fields() map[string]*structpb.Value { return e.fields }

// Schema is a topic's ordered field list, registered with the audit
// service at startup. Field order fixes the cell order of every row
// written for the topic.
type Schema struct {
	Topic  string
	Fields []string
}

// fieldIndex returns a name->position map for fast cell assembly.
func (s Schema) fieldIndex() map[string]int {
	idx := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		idx[f] = i
	}
	return idx
}
