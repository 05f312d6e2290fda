package glue

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
)

func init() {
	// needed for glog
	testing.Init()
	flag.Parse()

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// in-memory gateway for tests. One `fakeBroker` plays the central gateway;
// each window connects through its own `fakeGateway`, so multi-window
// interactions (broadcast, interop, instance stop) run in-process and
// synchronously, which makes ordering assertions deterministic.

type fakeChannel struct {
	info ChannelInfo
	data map[string]any
}

type fakeSubscription struct {
	subscriptionId int
	peerId         Id
	// transport channel name, or context name. "" with all set.
	name     string
	channel  bool
	all      bool
	fdc3Type string
	callback ContextUpdateFunction
}

type fakeBroker struct {
	mutex sync.Mutex

	contexts           map[string]map[string]any
	channels           map[string]*fakeChannel
	memberships        map[Id]string
	subscriptions      map[int]*fakeSubscription
	nextSubscriptionId int
	// method -> registering peer -> handler
	methods   map[string]map[Id]MethodHandler
	instances map[Id]*InstanceInfo
	gateways  map[Id]*fakeGateway
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		contexts:      map[string]map[string]any{},
		channels:      map[string]*fakeChannel{},
		memberships:   map[Id]string{},
		subscriptions: map[int]*fakeSubscription{},
		methods:       map[string]map[Id]MethodHandler{},
		instances:     map[Id]*InstanceInfo{},
		gateways:      map[Id]*fakeGateway{},
	}
}

func (self *fakeBroker) addUserChannel(name string, color string, fdc3Id string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.channels[name] = &fakeChannel{
		info: ChannelInfo{
			Name:   name,
			Color:  color,
			Fdc3Id: fdc3Id,
		},
		data: map[string]any{},
	}
}

func (self *fakeBroker) connect(appId string) *fakeGateway {
	peerId := NewId()
	gateway := &fakeGateway{
		broker:                   self,
		peerId:                   peerId,
		windowId:                 NewId(),
		connected:                true,
		reconnectedCallbacks:     NewCallbackList[func()](),
		channelChangedCallbacks:  NewCallbackList[func(name string)](),
		instanceStoppedCallbacks: NewCallbackList[func(instance *InstanceInfo)](),
	}
	gateway.contexts = &fakeContexts{gateway: gateway}
	gateway.channels = &fakeChannels{gateway: gateway}
	gateway.interop = &fakeInterop{gateway: gateway}
	gateway.appManager = &fakeAppManager{gateway: gateway}
	gateway.windows = &fakeWindows{gateway: gateway}

	self.mutex.Lock()
	self.instances[peerId] = &InstanceInfo{
		InstanceId: peerId,
		AppId:      appId,
	}
	self.gateways[peerId] = gateway
	self.mutex.Unlock()
	return gateway
}

// stopInstance simulates a window process dying: the instance leaves the
// registry and every connected window sees the stop event
func (self *fakeBroker) stopInstance(peerId Id) {
	self.mutex.Lock()
	instance := self.instances[peerId]
	delete(self.instances, peerId)
	gateways := []*fakeGateway{}
	for _, gateway := range self.gateways {
		gateways = append(gateways, gateway)
	}
	self.mutex.Unlock()
	if instance == nil {
		return
	}
	for _, gateway := range gateways {
		for _, callback := range gateway.instanceStoppedCallbacks.Get() {
			callback(instance)
		}
	}
}

// switchChannel simulates an externally-driven channel switch, e.g. a UI
// channel selector acting on the window
func (self *fakeBroker) switchChannel(peerId Id, name string) {
	self.mutex.Lock()
	if name == "" {
		delete(self.memberships, peerId)
	} else {
		self.memberships[peerId] = name
	}
	gateway := self.gateways[peerId]
	self.mutex.Unlock()
	if gateway == nil {
		return
	}
	for _, callback := range gateway.channelChangedCallbacks.Get() {
		callback(name)
	}
}

// failover simulates one window's link dropping and coming back, possibly to
// a different gateway instance: all of that peer's server-side subscription
// and registration state is gone and must be re-announced
func (self *fakeBroker) failover(gateway *fakeGateway) {
	self.mutex.Lock()
	for subscriptionId, subscription := range self.subscriptions {
		if subscription.peerId == gateway.peerId {
			delete(self.subscriptions, subscriptionId)
		}
	}
	for _, byPeer := range self.methods {
		delete(byPeer, gateway.peerId)
	}
	self.mutex.Unlock()

	for _, callback := range gateway.reconnectedCallbacks.Get() {
		callback()
	}
}

func (self *fakeBroker) notifyContext(name string, updaterPeerId Id) {
	self.mutex.Lock()
	data := copyDocument(self.contexts[name])
	subscriptions := []*fakeSubscription{}
	for _, subscription := range self.subscriptions {
		if !subscription.channel && subscription.name == name {
			subscriptions = append(subscriptions, subscription)
		}
	}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.callback(&ContextUpdate{
			Name:          name,
			Data:          copyDocument(data),
			UpdaterPeerId: updaterPeerId,
		})
	}
}

func (self *fakeBroker) notifyChannel(name string, updaterPeerId Id) {
	self.mutex.Lock()
	channel := self.channels[name]
	if channel == nil {
		self.mutex.Unlock()
		return
	}
	data := copyDocument(channel.data)
	subscriptions := []*fakeSubscription{}
	for _, subscription := range self.subscriptions {
		if !subscription.channel {
			continue
		}
		if !subscription.all && subscription.name != name {
			continue
		}
		if subscription.fdc3Type != "" && LatestContextType(data) != subscription.fdc3Type {
			continue
		}
		subscriptions = append(subscriptions, subscription)
	}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.callback(&ContextUpdate{
			Name:          name,
			Data:          copyDocument(data),
			UpdaterPeerId: updaterPeerId,
		})
	}
}

func (self *fakeBroker) addSubscription(subscription *fakeSubscription) func() {
	self.mutex.Lock()
	subscription.subscriptionId = self.nextSubscriptionId
	self.nextSubscriptionId += 1
	self.subscriptions[subscription.subscriptionId] = subscription
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		delete(self.subscriptions, subscription.subscriptionId)
		self.mutex.Unlock()
	}
}

func copyDocument(document map[string]any) map[string]any {
	if document == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(document))
	for key, value := range document {
		if nested, ok := value.(map[string]any); ok {
			out[key] = copyDocument(nested)
		} else {
			out[key] = value
		}
	}
	return out
}

type fakeGateway struct {
	broker   *fakeBroker
	peerId   Id
	windowId Id

	mutex     sync.Mutex
	connected bool

	reconnectedCallbacks     *CallbackList[func()]
	channelChangedCallbacks  *CallbackList[func(name string)]
	instanceStoppedCallbacks *CallbackList[func(instance *InstanceInfo)]

	contexts   *fakeContexts
	channels   *fakeChannels
	interop    *fakeInterop
	appManager *fakeAppManager
	windows    *fakeWindows
}

func (self *fakeGateway) PeerId() Id {
	return self.peerId
}

func (self *fakeGateway) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *fakeGateway) setConnected(connected bool) {
	self.mutex.Lock()
	self.connected = connected
	self.mutex.Unlock()
}

func (self *fakeGateway) Contexts() ContextsAPI {
	return self.contexts
}

func (self *fakeGateway) Channels() ChannelsAPI {
	return self.channels
}

func (self *fakeGateway) Interop() InteropAPI {
	return self.interop
}

func (self *fakeGateway) AppManager() AppManagerAPI {
	return self.appManager
}

func (self *fakeGateway) Windows() WindowsAPI {
	return self.windows
}

func (self *fakeGateway) OnReconnected(callback func()) func() {
	callbackId := self.reconnectedCallbacks.Add(callback)
	return func() {
		self.reconnectedCallbacks.Remove(callbackId)
	}
}

type fakeContexts struct {
	gateway *fakeGateway
}

func (self *fakeContexts) Get(ctx context.Context, name string) (map[string]any, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	return copyDocument(broker.contexts[name]), nil
}

func (self *fakeContexts) Set(ctx context.Context, name string, data map[string]any) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	broker.contexts[name] = copyDocument(data)
	broker.mutex.Unlock()
	broker.notifyContext(name, self.gateway.peerId)
	return nil
}

func (self *fakeContexts) Update(ctx context.Context, name string, delta map[string]any) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	document := broker.contexts[name]
	if document == nil {
		document = map[string]any{}
		broker.contexts[name] = document
	}
	for key, value := range delta {
		if value == nil {
			delete(document, key)
		} else {
			document[key] = value
		}
	}
	broker.mutex.Unlock()
	broker.notifyContext(name, self.gateway.peerId)
	return nil
}

func (self *fakeContexts) SetPath(ctx context.Context, name string, path string, value any) error {
	return self.SetPaths(ctx, name, []PathValue{{Path: path, Value: value}})
}

func (self *fakeContexts) SetPaths(ctx context.Context, name string, values []PathValue) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	document := broker.contexts[name]
	if document == nil {
		document = map[string]any{}
		broker.contexts[name] = document
	}
	for _, pathValue := range values {
		setDocumentPath(document, pathValue.Path, pathValue.Value)
	}
	broker.mutex.Unlock()
	broker.notifyContext(name, self.gateway.peerId)
	return nil
}

func setDocumentPath(document map[string]any, path string, value any) {
	segments := splitPath(path)
	for i, segment := range segments {
		if i == len(segments)-1 {
			if value == nil {
				delete(document, segment)
			} else {
				document[segment] = value
			}
			return
		}
		next, ok := document[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			document[segment] = next
		}
		document = next
	}
}

func splitPath(path string) []string {
	segments := []string{}
	segment := ""
	for _, c := range path {
		if c == '.' {
			segments = append(segments, segment)
			segment = ""
		} else {
			segment += string(c)
		}
	}
	return append(segments, segment)
}

func (self *fakeContexts) Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error) {
	broker := self.gateway.broker
	unsub := broker.addSubscription(&fakeSubscription{
		peerId:   self.gateway.peerId,
		name:     name,
		callback: callback,
	})
	broker.mutex.Lock()
	replay := copyDocument(broker.contexts[name])
	broker.mutex.Unlock()
	callback(&ContextUpdate{
		Name: name,
		Data: replay,
	})
	return unsub, nil
}

func (self *fakeContexts) All(ctx context.Context) ([]string, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	names := []string{}
	for name := range broker.contexts {
		names = append(names, name)
	}
	return names, nil
}

func (self *fakeContexts) Destroy(ctx context.Context, name string) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	delete(broker.contexts, name)
	broker.mutex.Unlock()
	return nil
}

type fakeChannels struct {
	gateway *fakeGateway
}

func (self *fakeChannels) Publish(ctx context.Context, name string, delta map[string]any) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	channel := broker.channels[name]
	if channel == nil {
		broker.mutex.Unlock()
		return fmt.Errorf("no channel %q: %w", name, ErrNotFound)
	}
	for key, value := range delta {
		if key == storageDataKey {
			data, ok := channel.data[storageDataKey].(map[string]any)
			if !ok {
				data = map[string]any{}
				channel.data[storageDataKey] = data
			}
			if deltaData, ok := value.(map[string]any); ok {
				for dataKey, dataValue := range deltaData {
					data[dataKey] = dataValue
				}
			}
		} else {
			channel.data[key] = value
		}
	}
	broker.mutex.Unlock()
	broker.notifyChannel(name, self.gateway.peerId)
	return nil
}

func (self *fakeChannels) subscribe(name string, all bool, fdc3Type string, callback ContextUpdateFunction) (func(), error) {
	broker := self.gateway.broker
	unsub := broker.addSubscription(&fakeSubscription{
		peerId:   self.gateway.peerId,
		name:     name,
		channel:  true,
		all:      all,
		fdc3Type: fdc3Type,
		callback: callback,
	})

	// replay the current document(s) with no attributed updater
	broker.mutex.Lock()
	replays := []*ContextUpdate{}
	for channelName, channel := range broker.channels {
		if !all && channelName != name {
			continue
		}
		replays = append(replays, &ContextUpdate{
			Name: channelName,
			Data: copyDocument(channel.data),
		})
	}
	broker.mutex.Unlock()
	for _, replay := range replays {
		if fdc3Type != "" && DecodeContextOfType(replay.Data, fdc3Type) == nil {
			// nothing cached for the requested type
			replay.Data = map[string]any{}
		}
		callback(replay)
	}
	return unsub, nil
}

func (self *fakeChannels) Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error) {
	return self.subscribe(name, false, "", callback)
}

func (self *fakeChannels) SubscribeAll(ctx context.Context, callback ContextUpdateFunction) (func(), error) {
	return self.subscribe("", true, "", callback)
}

func (self *fakeChannels) SubscribeFor(ctx context.Context, name string, fdc3Type string, callback ContextUpdateFunction) (func(), error) {
	return self.subscribe(name, false, fdc3Type, callback)
}

func (self *fakeChannels) Join(ctx context.Context, name string) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	if broker.channels[name] == nil {
		return fmt.Errorf("no channel %q: %w", name, ErrNotFound)
	}
	broker.memberships[self.gateway.peerId] = name
	return nil
}

func (self *fakeChannels) Leave(ctx context.Context) error {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	delete(broker.memberships, self.gateway.peerId)
	return nil
}

func (self *fakeChannels) Current(ctx context.Context) (string, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	return broker.memberships[self.gateway.peerId], nil
}

func (self *fakeChannels) OnChanged(callback func(name string)) func() {
	callbackId := self.gateway.channelChangedCallbacks.Add(callback)
	return func() {
		self.gateway.channelChangedCallbacks.Remove(callbackId)
	}
}

func (self *fakeChannels) List(ctx context.Context) ([]ChannelInfo, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	infos := []ChannelInfo{}
	for _, channel := range broker.channels {
		infos = append(infos, channel.info)
	}
	return infos, nil
}

func (self *fakeChannels) Get(ctx context.Context, name string) (*ChannelSnapshot, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	channel := broker.channels[name]
	if channel == nil {
		return nil, fmt.Errorf("no channel %q: %w", name, ErrNotFound)
	}
	return &ChannelSnapshot{
		Info: channel.info,
		Data: copyDocument(channel.data),
	}, nil
}

type fakeInterop struct {
	gateway *fakeGateway
}

func (self *fakeInterop) Register(ctx context.Context, method string, handler MethodHandler) (func(), error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	byPeer, ok := broker.methods[method]
	if !ok {
		byPeer = map[Id]MethodHandler{}
		broker.methods[method] = byPeer
	}
	byPeer[self.gateway.peerId] = handler
	broker.mutex.Unlock()
	return func() {
		broker.mutex.Lock()
		delete(byPeer, self.gateway.peerId)
		broker.mutex.Unlock()
	}, nil
}

func (self *fakeInterop) Invoke(ctx context.Context, method string, args map[string]any, target Id) (map[string]any, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	var handler MethodHandler
	if byPeer, ok := broker.methods[method]; ok {
		handler = byPeer[target]
	}
	broker.mutex.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("method %q is not registered by %s: %w", method, target, ErrNotFound)
	}
	return handler(ctx, args, self.gateway.peerId)
}

func (self *fakeInterop) Methods(ctx context.Context) ([]string, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	methods := []string{}
	for method, byPeer := range broker.methods {
		if 0 < len(byPeer) {
			methods = append(methods, method)
		}
	}
	return methods, nil
}

type fakeAppManager struct {
	gateway *fakeGateway
}

func (self *fakeAppManager) Instances(ctx context.Context) ([]InstanceInfo, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	instances := []InstanceInfo{}
	for _, instance := range broker.instances {
		instances = append(instances, *instance)
	}
	return instances, nil
}

func (self *fakeAppManager) Instance(ctx context.Context, peerId Id) (*InstanceInfo, error) {
	broker := self.gateway.broker
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	instance := broker.instances[peerId]
	if instance == nil {
		return nil, fmt.Errorf("no instance for %s: %w", peerId, ErrNotFound)
	}
	out := *instance
	return &out, nil
}

func (self *fakeAppManager) OnInstanceStopped(callback func(instance *InstanceInfo)) func() {
	callbackId := self.gateway.instanceStoppedCallbacks.Add(callback)
	return func() {
		self.gateway.instanceStoppedCallbacks.Remove(callbackId)
	}
}

type fakeWindows struct {
	gateway *fakeGateway
}

func (self *fakeWindows) MyWindow(ctx context.Context) (*WindowInfo, error) {
	return &WindowInfo{
		WindowId: self.gateway.windowId,
	}, nil
}

// newTestGlue wires a glue client to one fake window and completes the
// handover
func newTestGlue(ctx context.Context, t *testing.T, broker *fakeBroker, appId string) (*Glue, *fakeGateway) {
	gateway := broker.connect(appId)
	g := NewGlueWithDefaults(ctx)
	g.Bootstrap().Start()
	if err := g.Bootstrap().Offer(gateway); err != nil {
		t.Fatalf("handover error = %s", err)
	}
	return g, gateway
}
