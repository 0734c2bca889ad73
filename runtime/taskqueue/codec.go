package taskqueue

import (
	"encoding/json"
	"fmt"
)

// MarshalEvent returns the JSON encoding of ev. The kind is not included;
// callers carry it alongside the payload.
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	if err := Check(ev); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// UnmarshalEvent decodes data into the Event type identified by kind.
func UnmarshalEvent(kind Kind, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindChunk:
		ev, err = decode[Chunk](data)
	case KindMessageEnd:
		ev, err = decode[MessageEnd](data)
	case KindAnnotationReply:
		ev, err = decode[AnnotationReply](data)
	case KindMessageFile:
		ev, err = decode[MessageFile](data)
	case KindRetrieverResources:
		ev, err = decode[RetrieverResources](data)
	case KindError:
		ev, err = decode[Error](data)
	case KindPing:
		ev = Ping{}
	case KindStop:
		ev, err = decode[Stop](data)
	default:
		return nil, fmt.Errorf("unmarshal event: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s event: %w", kind, err)
	}
	return ev, nil
}

func decode[T Event](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
