package glue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// the context coordinator is the only component above the gateway surface
// that holds subscription state. It owns:
// - echo suppression: a writer already knows what it wrote, so updates that
//   originate from this window's own peer id are not delivered back
// - replay suppression: subscribing to a not-yet-existent context does not
//   spuriously fire the handler. Exactly the first delivery may be an empty
//   snapshot without being forwarded; every later empty snapshot is
//   forwarded (an update can legitimately empty a context by deleting keys)
// - source enrichment: the originating peer id is resolved to a structured
//   {appId, instanceId} descriptor when the live instance registry can
//   resolve it
// - re-announcement: on every reconnect all active subscriptions and method
//   registrations are re-established. This is not a retry of past failed
//   calls; operations that failed while the link was down stay failed.

type UpdateSource struct {
	AppId      string `json:"app_id"`
	InstanceId Id     `json:"instance_id"`
}

type UpdateMeta struct {
	// context or transport channel name the update arrived on
	Name   string
	Source *UpdateSource
}

type UpdateHandlerFunction func(data map[string]any, meta *UpdateMeta)

type ContextCoordinator struct {
	ctx       context.Context
	bootstrap *Bootstrap

	mutex              sync.Mutex
	gateway            Gateway
	subscriptions      map[int]*coordinatorSubscription
	nextSubscriptionId int
	registrations      map[int]*methodRegistration
	nextRegistrationId int
}

func NewContextCoordinator(ctx context.Context, bootstrap *Bootstrap) *ContextCoordinator {
	coordinator := &ContextCoordinator{
		ctx:           ctx,
		bootstrap:     bootstrap,
		subscriptions: map[int]*coordinatorSubscription{},
		registrations: map[int]*methodRegistration{},
	}
	bootstrap.OnReady(func() {
		gateway, err := bootstrap.Await(ctx)
		if err != nil {
			return
		}
		coordinator.mutex.Lock()
		coordinator.gateway = gateway
		coordinator.mutex.Unlock()
		gateway.OnReconnected(coordinator.replayAll)
	})
	return coordinator
}

// awaitGateway resolves the shared ready promise and fails fast while the
// link is down rather than letting an operation hang
func (self *ContextCoordinator) awaitGateway(ctx context.Context) (Gateway, error) {
	gateway, err := self.bootstrap.Await(ctx)
	if err != nil {
		return nil, err
	}
	if !gateway.Connected() {
		return nil, fmt.Errorf("gateway link is down: %w", ErrDisconnected)
	}
	return gateway, nil
}

// context family

func (self *ContextCoordinator) Get(ctx context.Context, name string) (map[string]any, error) {
	if name == "" {
		return nil, fmt.Errorf("context name is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Contexts().Get(ctx, name)
}

func (self *ContextCoordinator) Set(ctx context.Context, name string, data map[string]any) error {
	if name == "" {
		return fmt.Errorf("context name is required: %w", ErrMalformed)
	}
	if data == nil {
		return fmt.Errorf("context data is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Contexts().Set(ctx, name, data)
}

func (self *ContextCoordinator) Update(ctx context.Context, name string, delta map[string]any) error {
	if name == "" {
		return fmt.Errorf("context name is required: %w", ErrMalformed)
	}
	if delta == nil {
		return fmt.Errorf("context delta is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Contexts().Update(ctx, name, delta)
}

func (self *ContextCoordinator) SetPath(ctx context.Context, name string, path string, value any) error {
	if name == "" || path == "" {
		return fmt.Errorf("context name and path are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Contexts().SetPath(ctx, name, path, value)
}

func (self *ContextCoordinator) SetPaths(ctx context.Context, name string, values []PathValue) error {
	if name == "" || len(values) == 0 {
		return fmt.Errorf("context name and at least one path are required: %w", ErrMalformed)
	}
	for _, value := range values {
		if value.Path == "" {
			return fmt.Errorf("empty path: %w", ErrMalformed)
		}
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Contexts().SetPaths(ctx, name, values)
}

func (self *ContextCoordinator) All(ctx context.Context) ([]string, error) {
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Contexts().All(ctx)
}

func (self *ContextCoordinator) Destroy(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("context name is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Contexts().Destroy(ctx, name)
}

// Exists tests context presence by enumeration. App channel existence is
// defined by context presence, not a registry.
func (self *ContextCoordinator) Exists(ctx context.Context, name string) (bool, error) {
	names, err := self.All(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if existing == name {
			return true, nil
		}
	}
	return false, nil
}

// subscriptions

// Subscribe attaches a handler to a named context. The returned unsubscribe
// is idempotent, never panics, and stops all future delivery including
// deliveries queued by a reconnect-triggered replay.
func (self *ContextCoordinator) Subscribe(ctx context.Context, name string, handler UpdateHandlerFunction) (func(), error) {
	if name == "" || handler == nil {
		return nil, fmt.Errorf("context name and handler are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return self.subscribe(name, handler, func(callback ContextUpdateFunction) (func(), error) {
		return gateway.Contexts().Subscribe(self.ctx, name, callback)
	})
}

// SubscribeChannel attaches a handler to one transport channel.
func (self *ContextCoordinator) SubscribeChannel(ctx context.Context, name string, handler UpdateHandlerFunction) (func(), error) {
	if name == "" || handler == nil {
		return nil, fmt.Errorf("channel name and handler are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return self.subscribe(name, handler, func(callback ContextUpdateFunction) (func(), error) {
		return gateway.Channels().Subscribe(self.ctx, name, callback)
	})
}

// SubscribeChannelFor attaches a handler to one transport channel filtered
// by type tag, seeded from the gateway's last-value cache for that type.
func (self *ContextCoordinator) SubscribeChannelFor(ctx context.Context, name string, fdc3Type string, handler UpdateHandlerFunction) (func(), error) {
	if name == "" || fdc3Type == "" || handler == nil {
		return nil, fmt.Errorf("channel name, type and handler are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return self.subscribe(name, handler, func(callback ContextUpdateFunction) (func(), error) {
		return gateway.Channels().SubscribeFor(self.ctx, name, fdc3Type, callback)
	})
}

// SubscribeAllChannels attaches a handler across every transport channel.
// The meta's Name carries the channel each update arrived on.
func (self *ContextCoordinator) SubscribeAllChannels(ctx context.Context, handler UpdateHandlerFunction) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return self.subscribe("", handler, func(callback ContextUpdateFunction) (func(), error) {
		return gateway.Channels().SubscribeAll(self.ctx, callback)
	})
}

type coordinatorSubscription struct {
	subscriptionId int
	name           string
	handler        UpdateHandlerFunction
	// bound to the gateway primitive this subscription rides on, so a
	// reconnect replay re-announces through the same primitive
	announce func(callback ContextUpdateFunction) (func(), error)

	mutex    sync.Mutex
	sawFirst bool
	closed   bool
	unsub    func()
}

func (self *ContextCoordinator) subscribe(
	name string,
	handler UpdateHandlerFunction,
	announce func(callback ContextUpdateFunction) (func(), error),
) (func(), error) {
	self.mutex.Lock()
	subscriptionId := self.nextSubscriptionId
	self.nextSubscriptionId += 1
	self.mutex.Unlock()

	subscription := &coordinatorSubscription{
		subscriptionId: subscriptionId,
		name:           name,
		handler:        handler,
		announce:       announce,
	}

	unsub, err := announce(func(update *ContextUpdate) {
		self.deliver(subscription, update)
	})
	if err != nil {
		return nil, err
	}
	subscription.unsub = unsub

	self.mutex.Lock()
	self.subscriptions[subscriptionId] = subscription
	self.mutex.Unlock()

	return once(func() {
		subscription.mutex.Lock()
		subscription.closed = true
		gatewayUnsub := subscription.unsub
		subscription.unsub = nil
		subscription.mutex.Unlock()

		self.mutex.Lock()
		delete(self.subscriptions, subscriptionId)
		self.mutex.Unlock()

		if gatewayUnsub != nil {
			// safe after the backing context was destroyed remotely
			safeInvoke(gatewayUnsub)
		}
	}), nil
}

func (self *ContextCoordinator) deliver(subscription *coordinatorSubscription, update *ContextUpdate) {
	subscription.mutex.Lock()
	if subscription.closed {
		subscription.mutex.Unlock()
		return
	}
	first := !subscription.sawFirst
	subscription.sawFirst = true
	subscription.mutex.Unlock()

	if first {
		// the replay snapshot delivered on subscribe. An empty snapshot
		// here means the context does not exist yet.
		if len(update.Data) == 0 {
			glog.V(2).Infof("[c]suppress empty replay %s\n", update.Name)
			return
		}
	} else {
		self.mutex.Lock()
		gateway := self.gateway
		self.mutex.Unlock()
		if gateway != nil && !update.UpdaterPeerId.IsZero() && update.UpdaterPeerId == gateway.PeerId() {
			// echo of a local-origin write
			glog.V(2).Infof("[c]suppress echo %s\n", update.Name)
			return
		}
	}

	subscription.handler(update.Data, self.enrich(update))
}

func (self *ContextCoordinator) enrich(update *ContextUpdate) *UpdateMeta {
	meta := &UpdateMeta{
		Name: update.Name,
	}
	if update.UpdaterPeerId.IsZero() {
		return meta
	}
	self.mutex.Lock()
	gateway := self.gateway
	self.mutex.Unlock()
	if gateway == nil {
		return meta
	}
	instance, err := gateway.AppManager().Instance(self.ctx, update.UpdaterPeerId)
	if err != nil || instance == nil {
		// not resolvable from the live registry; deliver without a source
		return meta
	}
	meta.Source = &UpdateSource{
		AppId:      instance.AppId,
		InstanceId: instance.InstanceId,
	}
	return meta
}

// channel family passthroughs. The coordinator is the only component that
// talks to the gateway; the channel controller stays gateway-agnostic.

func (self *ContextCoordinator) PublishChannel(ctx context.Context, name string, delta map[string]any) error {
	if name == "" || delta == nil {
		return fmt.Errorf("channel name and delta are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Channels().Publish(ctx, name, delta)
}

func (self *ContextCoordinator) JoinChannel(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("channel name is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Channels().Join(ctx, name)
}

func (self *ContextCoordinator) LeaveChannel(ctx context.Context) error {
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return err
	}
	return gateway.Channels().Leave(ctx)
}

func (self *ContextCoordinator) CurrentChannel(ctx context.Context) (string, error) {
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return "", err
	}
	return gateway.Channels().Current(ctx)
}

func (self *ContextCoordinator) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Channels().List(ctx)
}

func (self *ContextCoordinator) GetChannel(ctx context.Context, name string) (*ChannelSnapshot, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Channels().Get(ctx, name)
}

func (self *ContextCoordinator) OnChannelChanged(ctx context.Context, callback func(name string)) (func(), error) {
	if callback == nil {
		return nil, fmt.Errorf("callback is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return once(gateway.Channels().OnChanged(callback)), nil
}

// app manager family

func (self *ContextCoordinator) OnInstanceStopped(ctx context.Context, callback func(instance *InstanceInfo)) (func(), error) {
	if callback == nil {
		return nil, fmt.Errorf("callback is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return once(gateway.AppManager().OnInstanceStopped(callback)), nil
}

// PeerId is this window's own peer id on the gateway
func (self *ContextCoordinator) PeerId(ctx context.Context) (Id, error) {
	gateway, err := self.bootstrap.Await(ctx)
	if err != nil {
		return Id{}, err
	}
	return gateway.PeerId(), nil
}

// interop family

type methodRegistration struct {
	registrationId int
	method         string
	handler        MethodHandler

	mutex  sync.Mutex
	closed bool
	unsub  func()
}

// RegisterMethod registers a remote-invokable method. The registration is
// re-announced on every reconnect until the returned unregister is called.
func (self *ContextCoordinator) RegisterMethod(ctx context.Context, method string, handler MethodHandler) (func(), error) {
	if method == "" || handler == nil {
		return nil, fmt.Errorf("method name and handler are required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	registrationId := self.nextRegistrationId
	self.nextRegistrationId += 1
	self.mutex.Unlock()

	registration := &methodRegistration{
		registrationId: registrationId,
		method:         method,
		handler:        handler,
	}

	unsub, err := gateway.Interop().Register(self.ctx, method, handler)
	if err != nil {
		return nil, err
	}
	registration.unsub = unsub

	self.mutex.Lock()
	self.registrations[registrationId] = registration
	self.mutex.Unlock()

	return once(func() {
		registration.mutex.Lock()
		registration.closed = true
		gatewayUnsub := registration.unsub
		registration.unsub = nil
		registration.mutex.Unlock()

		self.mutex.Lock()
		delete(self.registrations, registrationId)
		self.mutex.Unlock()

		if gatewayUnsub != nil {
			safeInvoke(gatewayUnsub)
		}
	}), nil
}

// InvokeMethod invokes a remote method on exactly one peer window.
func (self *ContextCoordinator) InvokeMethod(ctx context.Context, method string, args map[string]any, target Id) (map[string]any, error) {
	if method == "" {
		return nil, fmt.Errorf("method name is required: %w", ErrMalformed)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("invocation target is required: %w", ErrMalformed)
	}
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Interop().Invoke(ctx, method, args, target)
}

func (self *ContextCoordinator) Methods(ctx context.Context) ([]string, error) {
	gateway, err := self.awaitGateway(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.Interop().Methods(ctx)
}

// reconnect replay

// replayAll re-announces every active subscription and method registration.
// Runs inside the transport's reconnected callback, before the transport
// reports connected, so no public operation observes a half-replayed state.
func (self *ContextCoordinator) replayAll() {
	self.mutex.Lock()
	subscriptions := maps.Values(self.subscriptions)
	registrations := maps.Values(self.registrations)
	gateway := self.gateway
	self.mutex.Unlock()

	glog.Infof("[c]reconnected, replaying %d subscriptions, %d registrations\n", len(subscriptions), len(registrations))

	for _, subscription := range subscriptions {
		self.replaySubscription(subscription)
	}
	for _, registration := range registrations {
		self.replayRegistration(gateway, registration)
	}
}

func (self *ContextCoordinator) replaySubscription(subscription *coordinatorSubscription) {
	subscription.mutex.Lock()
	closed := subscription.closed
	subscription.mutex.Unlock()
	if closed {
		return
	}

	unsub, err := subscription.announce(func(update *ContextUpdate) {
		self.deliver(subscription, update)
	})
	if err != nil {
		glog.Infof("[c]replay subscribe %s error = %s\n", subscription.name, err)
		return
	}

	subscription.mutex.Lock()
	if subscription.closed {
		subscription.mutex.Unlock()
		// unsubscribed while the replay was in flight
		safeInvoke(unsub)
		return
	}
	subscription.unsub = unsub
	subscription.mutex.Unlock()
}

func (self *ContextCoordinator) replayRegistration(gateway Gateway, registration *methodRegistration) {
	registration.mutex.Lock()
	closed := registration.closed
	registration.mutex.Unlock()
	if closed || gateway == nil {
		return
	}

	unsub, err := gateway.Interop().Register(self.ctx, registration.method, registration.handler)
	if err != nil {
		glog.Infof("[c]replay register %s error = %s\n", registration.method, err)
		return
	}

	registration.mutex.Lock()
	if registration.closed {
		registration.mutex.Unlock()
		safeInvoke(unsub)
		return
	}
	registration.unsub = unsub
	registration.mutex.Unlock()
}
