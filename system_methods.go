package glue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// private-channel lifecycle notifications (add-listener, unsubscribe,
// disconnect) travel as invocations of a single well-known remote method
// shared by all windows. Locally the registry dispatches inbound
// invocations to callbacks keyed by (action, channelId).

const SystemMethodName = "fdc3.channels.control"

const (
	SystemActionAddContextListener = "addContextListener"
	SystemActionUnsubscribe        = "unsubscribe"
	SystemActionDisconnect         = "disconnect"
)

type SystemMethodArgs struct {
	Action      string `json:"action"`
	ChannelId   string `json:"channel_id"`
	ContextType string `json:"context_type,omitempty"`
	InstanceId  Id     `json:"instance_id,omitempty"`
}

// Validate fails closed: a malformed payload never reaches the wire and an
// inbound malformed payload is never dispatched.
func (self *SystemMethodArgs) Validate() error {
	switch self.Action {
	case SystemActionAddContextListener, SystemActionUnsubscribe, SystemActionDisconnect:
	default:
		return fmt.Errorf("unknown system method action %q: %w", self.Action, ErrMalformed)
	}
	if self.ChannelId == "" {
		return fmt.Errorf("system method channel id is required: %w", ErrMalformed)
	}
	return nil
}

func (self *SystemMethodArgs) toMap() map[string]any {
	encoded, _ := json.Marshal(self)
	args := map[string]any{}
	json.Unmarshal(encoded, &args)
	return args
}

func systemMethodArgsFromMap(args map[string]any) (*SystemMethodArgs, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("system method args do not encode: %w", ErrMalformed)
	}
	decoded := &SystemMethodArgs{}
	if err := json.Unmarshal(encoded, decoded); err != nil {
		return nil, fmt.Errorf("system method args do not decode: %w", ErrMalformed)
	}
	return decoded, nil
}

type systemMethodKey struct {
	action    string
	channelId string
}

type SystemMethodCallback func(args *SystemMethodArgs)

type SystemMethodRegistry struct {
	ctx         context.Context
	coordinator *ContextCoordinator

	mutex sync.Mutex
	// one shared remote method, registered lazily on first local callback
	registered bool
	unregister func()
	callbacks  map[systemMethodKey]*CallbackList[SystemMethodCallback]
}

func NewSystemMethodRegistry(ctx context.Context, coordinator *ContextCoordinator) *SystemMethodRegistry {
	return &SystemMethodRegistry{
		ctx:         ctx,
		coordinator: coordinator,
		callbacks:   map[systemMethodKey]*CallbackList[SystemMethodCallback]{},
	}
}

// Register attaches a callback for one (action, channelId) pair. The shared
// remote method is registered with the gateway on first use and
// re-announced across reconnects by the coordinator.
func (self *SystemMethodRegistry) Register(ctx context.Context, action string, channelId string, callback SystemMethodCallback) (func(), error) {
	args := &SystemMethodArgs{
		Action:    action,
		ChannelId: channelId,
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if callback == nil {
		return nil, fmt.Errorf("callback is required: %w", ErrMalformed)
	}

	if err := self.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	key := systemMethodKey{
		action:    action,
		channelId: channelId,
	}
	self.mutex.Lock()
	list, ok := self.callbacks[key]
	if !ok {
		list = NewCallbackList[SystemMethodCallback]()
		self.callbacks[key] = list
	}
	self.mutex.Unlock()

	callbackId := list.Add(callback)
	return once(func() {
		list.Remove(callbackId)
	}), nil
}

func (self *SystemMethodRegistry) ensureRegistered(ctx context.Context) error {
	self.mutex.Lock()
	registered := self.registered
	self.mutex.Unlock()
	if registered {
		return nil
	}

	unregister, err := self.coordinator.RegisterMethod(ctx, SystemMethodName, self.handleInvoke)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	if self.registered {
		// lost the registration race
		self.mutex.Unlock()
		safeInvoke(unregister)
		return nil
	}
	self.registered = true
	self.unregister = unregister
	self.mutex.Unlock()
	return nil
}

// MethodHandler for the shared remote method
func (self *SystemMethodRegistry) handleInvoke(ctx context.Context, rawArgs map[string]any, caller Id) (map[string]any, error) {
	args, err := systemMethodArgsFromMap(rawArgs)
	if err != nil {
		return nil, err
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}

	key := systemMethodKey{
		action:    args.Action,
		channelId: args.ChannelId,
	}
	self.mutex.Lock()
	list := self.callbacks[key]
	self.mutex.Unlock()

	glog.V(2).Infof("[sm]dispatch %s %s <- %s\n", args.Action, args.ChannelId, caller)

	if list != nil {
		for _, callback := range list.Get() {
			callback := callback
			safeInvoke(func() {
				callback(args)
			})
		}
	}
	return map[string]any{}, nil
}

// Invoke sends one lifecycle notification to exactly one peer window. The
// argument shape is validated before anything reaches the wire.
func (self *SystemMethodRegistry) Invoke(ctx context.Context, args *SystemMethodArgs, target Id) error {
	if err := args.Validate(); err != nil {
		return err
	}
	if target.IsZero() {
		return fmt.Errorf("system method target is required: %w", ErrMalformed)
	}
	_, err := self.coordinator.InvokeMethod(ctx, SystemMethodName, args.toMap(), target)
	return err
}

func (self *SystemMethodRegistry) Close() {
	self.mutex.Lock()
	unregister := self.unregister
	self.registered = false
	self.unregister = nil
	self.mutex.Unlock()
	if unregister != nil {
		safeInvoke(unregister)
	}
}
