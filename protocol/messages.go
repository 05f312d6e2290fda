package protocol

// payload shapes per message type. Ids travel as their canonical string
// form; the layer above owns parsing them back into typed ids.

// error codes carried by TypeError payloads, mapped to the client error
// taxonomy on receive
const (
	ErrorCodeAccessDenied = "access_denied"
	ErrorCodeNotFound     = "not_found"
	ErrorCodeMalformed    = "malformed"
	ErrorCodeInternal     = "internal"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// auth

type Hello struct {
	// signed token naming the window and app identity
	Token      string `json:"token"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type Welcome struct {
	PeerId   string `json:"peer_id"`
	WindowId string `json:"window_id,omitempty"`
}

// contexts

type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type ContextGet struct {
	Name string `json:"name"`
}

type ContextData struct {
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data"`
}

type ContextSet struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

type ContextUpdate struct {
	Name  string         `json:"name"`
	Delta map[string]any `json:"delta"`
}

type ContextSetPath struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type ContextSetPaths struct {
	Name   string      `json:"name"`
	Values []PathValue `json:"values"`
}

type ContextSubscribe struct {
	Name           string `json:"name"`
	SubscriptionId string `json:"subscription_id"`
}

type ContextUnsubscribe struct {
	SubscriptionId string `json:"subscription_id"`
}

type ContextNames struct {
	Names []string `json:"names"`
}

type ContextDestroy struct {
	Name string `json:"name"`
}

// TypeContextUpdated / TypeChannelUpdated event. UpdaterPeerId is empty for
// the replay snapshot delivered on subscribe.
type ContextUpdated struct {
	SubscriptionId string         `json:"subscription_id"`
	Name           string         `json:"name"`
	Data           map[string]any `json:"data"`
	UpdaterPeerId  string         `json:"updater_peer_id,omitempty"`
}

// channels

type ChannelPublish struct {
	Name  string         `json:"name"`
	Delta map[string]any `json:"delta"`
}

type ChannelSubscribe struct {
	// unset when All is true
	Name           string `json:"name,omitempty"`
	SubscriptionId string `json:"subscription_id"`
	// deliver every channel's publishes
	All bool `json:"all,omitempty"`
	// filter publishes by type tag, seeding from the last-value cache
	Fdc3Type string `json:"fdc3_type,omitempty"`
}

type ChannelJoin struct {
	Name string `json:"name"`
}

type ChannelCurrent struct {
	Name string `json:"name"`
}

type ChannelInfo struct {
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Fdc3Id string `json:"fdc3_id,omitempty"`
}

type ChannelList struct {
	Channels []ChannelInfo `json:"channels"`
}

type ChannelGet struct {
	Name string `json:"name"`
}

type ChannelSnapshot struct {
	Info ChannelInfo    `json:"info"`
	Data map[string]any `json:"data"`
}

// TypeChannelChanged event: an externally-driven switch of this peer's
// current channel. Name is "" when the peer left its channel.
type ChannelChanged struct {
	Name string `json:"name,omitempty"`
}

// interop

type InteropRegister struct {
	Method string `json:"method"`
}

type InteropUnregister struct {
	Method string `json:"method"`
}

// client -> gateway: invoke on the target peer.
// gateway -> client: delivery to the registered handler, CallerPeerId set.
type InteropInvoke struct {
	Method       string         `json:"method"`
	Args         map[string]any `json:"args,omitempty"`
	TargetPeerId string         `json:"target_peer_id,omitempty"`
	CallerPeerId string         `json:"caller_peer_id,omitempty"`
}

type InteropResult struct {
	Result map[string]any `json:"result,omitempty"`
}

type InteropMethods struct {
	Methods []string `json:"methods"`
}

// appmanager

type Instance struct {
	InstanceId string `json:"instance_id"`
	AppId      string `json:"app_id"`
}

type InstanceQuery struct {
	PeerId string `json:"peer_id"`
}

type Instances struct {
	Instances []Instance `json:"instances"`
}

// TypeInstanceStopped event
type InstanceStopped struct {
	Instance Instance `json:"instance"`
}
