package taskqueue

import (
	"errors"
	"fmt"
	"reflect"
)

// LiveHandle marks values bound to a storage session (database rows, open
// cursors, transaction-scoped entities). Such values must never be published:
// the consumer goroutine would read them outside the producer's session.
type LiveHandle interface {
	LiveHandle()
}

// ErrLiveHandle is wrapped by every LiveHandleError.
var ErrLiveHandle = errors.New("event carries a live storage handle")

// LiveHandleError reports a publish rejected because the event payload holds a
// LiveHandle. It indicates a programming fault in the producer.
type LiveHandleError struct {
	// Kind is the kind of the rejected event.
	Kind Kind
	// Path locates the offending value inside the event.
	Path string
	// Type is the Go type of the offending value.
	Type string
}

func (e *LiveHandleError) Error() string {
	return fmt.Sprintf("%s event: %s at %s (%s)", e.Kind, ErrLiveHandle.Error(), e.Path, e.Type)
}

func (e *LiveHandleError) Unwrap() error { return ErrLiveHandle }

// Check scans the open-typed parts of ev for LiveHandle values. All other
// event fields are plain values by construction.
func Check(ev Event) error {
	var resources []RetrieverResource
	switch e := ev.(type) {
	case RetrieverResources:
		resources = e.Resources
	case *RetrieverResources:
		if e != nil {
			resources = e.Resources
		}
	default:
		return nil
	}
	for i, r := range resources {
		for k, v := range r.Extra {
			path := fmt.Sprintf("resources[%d].extra[%q]", i, k)
			if p, t, bad := findHandle(reflect.ValueOf(v), path, 0); bad {
				return &LiveHandleError{Kind: ev.Kind(), Path: p, Type: t}
			}
		}
	}
	return nil
}

var liveHandleType = reflect.TypeFor[LiveHandle]()

// maxCheckDepth bounds the scan so cyclic pointer graphs terminate.
const maxCheckDepth = 32

func findHandle(v reflect.Value, path string, depth int) (string, string, bool) {
	if !v.IsValid() || depth > maxCheckDepth {
		return "", "", false
	}
	if v.Type().Implements(liveHandleType) {
		return path, v.Type().String(), true
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return "", "", false
		}
		return findHandle(v.Elem(), path, depth+1)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if p, t, bad := findHandle(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key()), depth+1); bad {
				return p, t, true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if p, t, bad := findHandle(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); bad {
				return p, t, true
			}
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if p, t, bad := findHandle(v.Field(i), path+"."+v.Type().Field(i).Name, depth+1); bad {
				return p, t, true
			}
		}
	}
	return "", "", false
}
