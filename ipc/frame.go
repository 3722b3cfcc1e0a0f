package ipc

import "encoding/json"

type frameType string

const (
	frameInit frameType = "init"

	// requests, id allocated by the sender
	frameCall   frameType = "call"
	frameListen frameType = "listen"
	// frameCancel aborts a call or ends a subscription
	frameCancel frameType = "cancel"

	// replies, id of the request
	frameResult frameType = "result"
	frameError  frameType = "error"
	frameAck    frameType = "ack"
	frameEvent  frameType = "event"
	frameDone   frameType = "done"
)

type frame struct {
	T  frameType       `json:"t"`
	ID uint64          `json:"id,omitempty"`
	Ch string          `json:"ch,omitempty"`
	N  string          `json:"n,omitempty"`
	A  json.RawMessage `json:"a,omitempty"`
	E  *wireError      `json:"e,omitempty"`
}

func marshalArg(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
