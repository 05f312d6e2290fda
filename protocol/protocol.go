// wire protocol between a window and the gateway: JSON text frames over a
// websocket. Every frame carries a domain, a message type within that
// domain, an optional request id for request/response matching, and an
// opaque payload decoded per message type.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Domain string

const (
	DomainAuth       Domain = "auth"
	DomainContexts   Domain = "contexts"
	DomainChannels   Domain = "channels"
	DomainInterop    Domain = "interop"
	DomainAppManager Domain = "appmanager"
)

// message types shared by all domains
const (
	TypeResult = "result"
	TypeError  = "error"
)

// auth domain
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
)

// contexts domain
const (
	TypeContextGet         = "get"
	TypeContextSet         = "set"
	TypeContextUpdate      = "update"
	TypeContextSetPath     = "set_path"
	TypeContextSetPaths    = "set_paths"
	TypeContextSubscribe   = "subscribe"
	TypeContextUnsubscribe = "unsubscribe"
	TypeContextAll         = "all"
	TypeContextDestroy     = "destroy"
	// event
	TypeContextUpdated = "updated"
)

// channels domain
const (
	TypeChannelPublish     = "publish"
	TypeChannelSubscribe   = "subscribe"
	TypeChannelUnsubscribe = "unsubscribe"
	TypeChannelJoin        = "join"
	TypeChannelLeave       = "leave"
	TypeChannelCurrent     = "current"
	TypeChannelList        = "list"
	TypeChannelGet         = "get"
	// events
	TypeChannelUpdated = "updated"
	TypeChannelChanged = "changed"
)

// interop domain
const (
	TypeInteropRegister   = "register"
	TypeInteropUnregister = "unregister"
	TypeInteropInvoke     = "invoke"
	TypeInteropMethods    = "methods"
)

// appmanager domain
const (
	TypeInstances = "instances"
	TypeInstance  = "instance"
	// event
	TypeInstanceStopped = "instance_stopped"
)

type Frame struct {
	Domain    Domain          `json:"domain"`
	Type      string          `json:"type"`
	RequestId string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewFrame(domain Domain, frameType string, requestId string, payload any) (*Frame, error) {
	frame := &Frame{
		Domain:    domain,
		Type:      frameType,
		RequestId: requestId,
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %s/%s payload: %w", domain, frameType, err)
		}
		frame.Payload = encoded
	}
	return frame, nil
}

func RequireNewFrame(domain Domain, frameType string, requestId string, payload any) *Frame {
	frame, err := NewFrame(domain, frameType, requestId, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}
	if frame.Domain == "" || frame.Type == "" {
		return nil, fmt.Errorf("frame is missing domain or type")
	}
	return frame, nil
}

// DecodePayload decodes the frame payload into `into`. A frame without a
// payload decodes into the zero value.
func (self *Frame) DecodePayload(into any) error {
	if len(self.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(self.Payload, into); err != nil {
		return fmt.Errorf("cannot decode %s/%s payload: %w", self.Domain, self.Type, err)
	}
	return nil
}
