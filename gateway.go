package glue

import (
	"context"
	"fmt"
	"strings"
)

// the gateway is the external message broker. Everything above this file is
// gateway-agnostic: the capability surface below is the whole contract the
// rest of the package consumes. `GatewayTransport` implements it over a
// websocket; tests implement it in memory.

// one update delivered to a context or channel subscription.
// `UpdaterPeerId` is zero when the gateway cannot attribute the write
// (notably the replay snapshot sent on subscribe).
type ContextUpdate struct {
	// context name, or the transport channel name for channel subscriptions
	Name string
	// the full document after the update
	Data map[string]any
	// peer that performed the write
	UpdaterPeerId Id
}

type ContextUpdateFunction func(update *ContextUpdate)

type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// contexts domain: named JSON documents with merge/replace/path-set mutation
// and subscribe-with-replay. Writing a key with a nil value in `Update`
// removes that key. Contexts are created implicitly on first write.
type ContextsAPI interface {
	// a context that was never written reads as an empty document
	Get(ctx context.Context, name string) (map[string]any, error)
	// full replace
	Set(ctx context.Context, name string, data map[string]any) error
	// shallow merge, nil value deletes the key
	Update(ctx context.Context, name string, delta map[string]any) error
	SetPath(ctx context.Context, name string, path string, value any) error
	SetPaths(ctx context.Context, name string, values []PathValue) error
	// the callback is invoked once with the current snapshot on subscribe,
	// then once per subsequent write
	Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error)
	All(ctx context.Context) ([]string, error)
	Destroy(ctx context.Context, name string) error
}

// a pre-provisioned transport channel. `Fdc3Id` is the public channel id the
// interop layer exposes; channels without one are not eligible for the
// public channel surface.
type ChannelInfo struct {
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Fdc3Id string `json:"fdc3_id,omitempty"`
}

// the current document of a channel, in the multi-type storage shape
type ChannelSnapshot struct {
	Info ChannelInfo
	Data map[string]any
}

// channels domain: membership, publish with merge semantics, and a
// last-value cache indexed by the document's latest type tag
type ChannelsAPI interface {
	// merges delta["data"] keywise into the channel document's data and
	// adopts delta's latest type tag
	Publish(ctx context.Context, name string, delta map[string]any) error
	Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error)
	// subscribe across every channel. The update's Name carries the
	// channel that changed.
	SubscribeAll(ctx context.Context, callback ContextUpdateFunction) (func(), error)
	// replays the latest document whose type tag equals fdc3Type, then
	// delivers subsequent publishes of that type
	SubscribeFor(ctx context.Context, name string, fdc3Type string, callback ContextUpdateFunction) (func(), error)
	// exclusive per peer: joining a channel leaves the previous one
	Join(ctx context.Context, name string) error
	Leave(ctx context.Context) error
	// the transport name of this peer's current channel, "" when none
	Current(ctx context.Context) (string, error)
	// externally-driven channel switches (e.g. a UI channel selector)
	OnChanged(callback func(name string)) func()
	List(ctx context.Context) ([]ChannelInfo, error)
	Get(ctx context.Context, name string) (*ChannelSnapshot, error)
}

type MethodHandler func(ctx context.Context, args map[string]any, caller Id) (map[string]any, error)

// interop domain: remote method registry and targeted invocation
type InteropAPI interface {
	Register(ctx context.Context, method string, handler MethodHandler) (func(), error)
	// targets exactly one peer, never broadcast
	Invoke(ctx context.Context, method string, args map[string]any, target Id) (map[string]any, error)
	Methods(ctx context.Context) ([]string, error)
}

type InstanceInfo struct {
	InstanceId Id     `json:"instance_id"`
	AppId      string `json:"app_id"`
}

// app manager domain: application/instance registry with stop events
type AppManagerAPI interface {
	Instances(ctx context.Context) ([]InstanceInfo, error)
	// resolve a peer id to its instance descriptor
	Instance(ctx context.Context, peerId Id) (*InstanceInfo, error)
	OnInstanceStopped(callback func(instance *InstanceInfo)) func()
}

type WindowInfo struct {
	WindowId Id     `json:"window_id"`
	Title    string `json:"title,omitempty"`
}

// windows domain. Window creation and placement live with the host
// environment; the interop layer only needs to name its own window.
type WindowsAPI interface {
	MyWindow(ctx context.Context) (*WindowInfo, error)
}

type Gateway interface {
	// this window's own peer id on the gateway
	PeerId() Id
	Connected() bool
	Contexts() ContextsAPI
	Channels() ChannelsAPI
	Interop() InteropAPI
	AppManager() AppManagerAPI
	Windows() WindowsAPI
	// fired after the transport link is re-established, to the same or a
	// different gateway instance. Subscriptions and method registrations
	// must be re-announced by the listener before dependent operations
	// proceed.
	OnReconnected(callback func()) func()
}

// ValidateGateway checks the handed-over connection object has the minimum
// required capability surface. An incomplete gateway fails with a diagnostic
// naming every missing capability. Never partially initialize from a gateway
// that fails this check.
func ValidateGateway(gateway Gateway) error {
	if gateway == nil {
		return fmt.Errorf("gateway is nil: %w", ErrMalformed)
	}
	missing := []string{}
	if gateway.Contexts() == nil {
		missing = append(missing, "contexts")
	}
	if gateway.Channels() == nil {
		missing = append(missing, "channels")
	}
	if gateway.Interop() == nil {
		missing = append(missing, "interop")
	}
	if gateway.AppManager() == nil {
		missing = append(missing, "appManager")
	}
	if gateway.Windows() == nil {
		missing = append(missing, "windows")
	}
	if 0 < len(missing) {
		return fmt.Errorf("gateway is missing capabilities (%s): %w", strings.Join(missing, ", "), ErrMalformed)
	}
	return nil
}
