package events

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fields flattens an event into the generic value map used by both wire
// encodings.
func Fields(e Event) map[string]interface{} {
	m := map[string]interface{}{
		"kind":    e.Kind().String(),
		"session": e.SessionID(),
	}
	switch ev := e.(type) {
	case DataReady:
		m["hw"] = ev.HW
		m["path"] = ev.Path.String()
		m["frame_id"] = ev.FrameID
		m["frame_number"] = ev.FrameNum
		m["user_tag"] = ev.UserTag
		m["width"] = ev.Width
		m["height"] = ev.Height
		m["timestamp"] = float64(ev.Timestamp.UnixNano()) / 1e9
		m["data_len"] = len(ev.Data)
	case BufferReturned:
		m["path"] = ev.Path.String()
		m["frame_id"] = ev.FrameID
		m["user_tag"] = ev.UserTag
		m["reason"] = ev.Reason.String()
	case Error:
		m["hw"] = ev.HW
		m["status"] = ev.Status
		if ev.Err != nil {
			m["error"] = ev.Err.Error()
		}
	case RecoveryDone:
		sessions := make([]interface{}, len(ev.Sessions))
		for i, s := range ev.Sessions {
			sessions[i] = s
		}
		m["sessions"] = sessions
		m["cause"] = ev.Cause
		m["duration_ms"] = float64(ev.Duration.Microseconds()) / 1e3
		if ev.Err != nil {
			m["error"] = ev.Err.Error()
		}
	}
	return m
}

// Message converts an event to a protobuf Struct.
func Message(e Event) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(Fields(e))
	if err != nil {
		return nil, fmt.Errorf("events: %v: %w", e.Kind(), err)
	}
	return s, nil
}

// Encode returns the protobuf wire form of e.
func Encode(e Event) ([]byte, error) {
	s, err := Message(e)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// EncodeJSON returns the canonical JSON form of e.
func EncodeJSON(e Event) ([]byte, error) {
	s, err := Message(e)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// Decode parses the protobuf wire form back into a value map. Numbers come
// back as float64.
func Decode(b []byte) (map[string]interface{}, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return s.AsMap(), nil
}
