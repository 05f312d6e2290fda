package glue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// single authority for translating public channel operations into gateway
// primitives, enforcing the per-variant rules. Channel type resolution
// checks, in priority order: membership in the known user-channel set, the
// private-channel naming prefix, existence as an app-channel context.

// private channel ids carry a random unguessable suffix under this prefix
const PrivateChannelPrefix = "___private___"

// private channel backing-context fields
const (
	privateFieldCreatorId     = "creatorId"
	privateFieldClientId      = "clientId"
	privateFieldDisconnected  = "disconnected"
	privateFieldListenerTypes = "contextListenerTypes"
)

type ChannelController struct {
	ctx context.Context

	coordinator   *ContextCoordinator
	systemMethods *SystemMethodRegistry
	state         *ChannelState

	// initialization is asynchronous and memoized: every public operation
	// awaits the same in-flight initialize so no caller can observe a
	// registry not yet populated. Only a successful attempt is memoized;
	// a failed attempt (e.g. the link was down) is discarded so the next
	// operation retries.
	initMutex sync.Mutex
	init      *initAttempt
}

type initAttempt struct {
	done chan struct{}
	err  error
}

func NewChannelController(ctx context.Context, coordinator *ContextCoordinator, systemMethods *SystemMethodRegistry) *ChannelController {
	return &ChannelController{
		ctx:           ctx,
		coordinator:   coordinator,
		systemMethods: systemMethods,
		state:         NewChannelState(),
	}
}

func (self *ChannelController) initialize(ctx context.Context) error {
	self.initMutex.Lock()
	if self.init == nil {
		self.init = &initAttempt{
			done: make(chan struct{}),
		}
		go self.runInitialize(self.init)
	}
	attempt := self.init
	self.initMutex.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *ChannelController) runInitialize(attempt *initAttempt) {
	attempt.err = self.populateRegistry()

	self.initMutex.Lock()
	if attempt.err != nil {
		self.init = nil
	}
	self.initMutex.Unlock()

	close(attempt.done)
}

func (self *ChannelController) populateRegistry() error {
	// enumerate the transport channels and keep the FDC3-eligible ones
	infos, err := self.coordinator.ListChannels(self.ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Fdc3Id == "" {
			continue
		}
		channel := &Channel{
			channelId:   info.Fdc3Id,
			channelType: ChannelTypeUser,
			display: DisplayMetadata{
				Name:  info.Name,
				Color: info.Color,
			},
			controller: self,
		}
		self.state.SetUserChannel(channel, info.Name)
	}

	// establish the locally joined channel
	name, err := self.coordinator.CurrentChannel(self.ctx)
	if err != nil {
		return err
	}
	self.applyChannelSwitch(name)

	// externally-driven channel switches (e.g. a UI channel selector)
	_, err = self.coordinator.OnChannelChanged(self.ctx, func(name string) {
		glog.V(1).Infof("[ch]switched to %q\n", name)
		self.applyChannelSwitch(name)
	})
	if err != nil {
		return err
	}

	glog.V(1).Infof("[ch]initialized with %d user channels\n", len(self.state.UserChannels()))
	return nil
}

func (self *ChannelController) applyChannelSwitch(transportName string) {
	if transportName == "" {
		self.state.SetCurrent(nil)
		return
	}
	if channelId, ok := self.state.ChannelId(transportName); ok {
		self.state.SetCurrent(self.state.UserChannel(channelId))
	}
}

// resolveDefaultChannel applies the current-channel resolution rule shared
// by addContextListener and broadcast: no current channel, or a current App
// channel (a window is never "joined" to one), is access denied.
func (self *ChannelController) resolveDefaultChannel() (string, error) {
	current := self.state.Current()
	if current == nil {
		return "", fmt.Errorf("no current channel: %w", ErrAccessDenied)
	}
	if current.Type() == ChannelTypeApp {
		return "", fmt.Errorf("app channels require an explicit channel id: %w", ErrAccessDenied)
	}
	return current.Id(), nil
}

// AddContextListener attaches a typed-context handler to a channel. With no
// explicit channelId the current channel is used. fdc3Type "" listens to
// every type.
func (self *ChannelController) AddContextListener(ctx context.Context, handler ContextHandlerFunction, fdc3Type string, channelId string) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}

	if channelId == "" {
		resolved, err := self.resolveDefaultChannel()
		if err != nil {
			return nil, err
		}
		channelId = resolved
	}

	if userChannel := self.state.UserChannel(channelId); userChannel != nil {
		return self.addUserChannelListener(ctx, userChannel, fdc3Type, handler)
	}
	if strings.HasPrefix(channelId, PrivateChannelPrefix) {
		return self.addPrivateChannelListener(ctx, channelId, fdc3Type, handler)
	}
	exists, err := self.coordinator.Exists(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if exists {
		// app channel: subscribe directly on the backing context
		return self.coordinator.Subscribe(ctx, channelId, self.channelUpdateHandler(fdc3Type, handler))
	}
	return nil, fmt.Errorf("unknown channel %q: %w", channelId, ErrAccessDenied)
}

// channelUpdateHandler reshapes raw storage documents into the public typed
// context, filtered by type
func (self *ChannelController) channelUpdateHandler(fdc3Type string, handler ContextHandlerFunction) UpdateHandlerFunction {
	return func(data map[string]any, meta *UpdateMeta) {
		latest := LatestContextType(data)
		if latest == "" {
			return
		}
		if fdc3Type != "" && latest != fdc3Type {
			return
		}
		decoded := DecodeContextOfType(data, latest)
		if decoded == nil {
			return
		}
		handler(decoded, meta)
	}
}

func (self *ChannelController) addUserChannelListener(ctx context.Context, userChannel *Channel, fdc3Type string, handler ContextHandlerFunction) (func(), error) {
	current := self.state.Current()
	if current != nil && current.Id() == userChannel.Id() {
		// listening on the public current channel must follow mid-flight
		// switches: subscribe across all channels and forward only updates
		// for whichever channel is current at delivery time
		return self.coordinator.SubscribeAllChannels(ctx, func(data map[string]any, meta *UpdateMeta) {
			currentNow := self.state.Current()
			if currentNow == nil || currentNow.Type() != ChannelTypeUser {
				return
			}
			currentName, ok := self.state.TransportName(currentNow.Id())
			if !ok || currentName != meta.Name {
				return
			}
			self.channelUpdateHandler(fdc3Type, handler)(data, meta)
		})
	}

	transportName, ok := self.state.TransportName(userChannel.Id())
	if !ok {
		return nil, fmt.Errorf("user channel %q has no transport name: %w", userChannel.Id(), ErrNotFound)
	}
	if fdc3Type != "" {
		// the gateway's type-indexed last-value cache seeds the listener
		// with the latest context of the requested type
		return self.coordinator.SubscribeChannelFor(ctx, transportName, fdc3Type, func(data map[string]any, meta *UpdateMeta) {
			decoded := DecodeContextOfType(data, fdc3Type)
			if decoded == nil {
				return
			}
			handler(decoded, meta)
		})
	}
	return self.coordinator.SubscribeChannel(ctx, transportName, self.channelUpdateHandler(fdc3Type, handler))
}

func (self *ChannelController) addPrivateChannelListener(ctx context.Context, channelId string, fdc3Type string, handler ContextHandlerFunction) (func(), error) {
	unsub, err := self.coordinator.Subscribe(ctx, channelId, self.channelUpdateHandler(fdc3Type, handler))
	if err != nil {
		return nil, err
	}

	// record the type filter so a later disconnect knows what to replay
	if fdc3Type != "" {
		if err := self.appendListenerType(ctx, channelId, fdc3Type); err != nil {
			safeInvoke(unsub)
			return nil, err
		}
	}

	me, err := self.coordinator.PeerId(ctx)
	if err != nil {
		safeInvoke(unsub)
		return nil, err
	}

	// notify the other party that a listener was added. Skipped entirely
	// when no second party is present: don't invoke a no-op remote call.
	if other := self.otherPrivateParty(ctx, channelId, me); !other.IsZero() {
		notifyErr := self.systemMethods.Invoke(ctx, &SystemMethodArgs{
			Action:      SystemActionAddContextListener,
			ChannelId:   channelId,
			ContextType: fdc3Type,
			InstanceId:  me,
		}, other)
		if notifyErr != nil {
			glog.Infof("[pc]add-listener notify %s error = %s\n", channelId, notifyErr)
		}
	}

	return once(func() {
		safeInvoke(unsub)
		if other := self.otherPrivateParty(self.ctx, channelId, me); !other.IsZero() {
			notifyErr := self.systemMethods.Invoke(self.ctx, &SystemMethodArgs{
				Action:      SystemActionUnsubscribe,
				ChannelId:   channelId,
				ContextType: fdc3Type,
				InstanceId:  me,
			}, other)
			if notifyErr != nil {
				glog.Infof("[pc]unsubscribe notify %s error = %s\n", channelId, notifyErr)
			}
		}
	}), nil
}

// Broadcast publishes a typed context. With no explicit channelId the
// current channel is used, under the same resolution rule as
// AddContextListener.
func (self *ChannelController) Broadcast(ctx context.Context, fdc3Context *Context, channelId string) error {
	if fdc3Context == nil || fdc3Context.Type == "" {
		return fmt.Errorf("a typed context is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return err
	}

	if channelId == "" {
		resolved, err := self.resolveDefaultChannel()
		if err != nil {
			return err
		}
		channelId = resolved
	}

	if userChannel := self.state.UserChannel(channelId); userChannel != nil {
		transportName, ok := self.state.TransportName(userChannel.Id())
		if !ok {
			return fmt.Errorf("user channel %q has no transport name: %w", userChannel.Id(), ErrNotFound)
		}
		return self.coordinator.PublishChannel(ctx, transportName, EncodeChannelContext(fdc3Context))
	}

	if strings.HasPrefix(channelId, PrivateChannelPrefix) {
		doc, err := self.privateChannelDoc(ctx, channelId)
		if err != nil {
			return err
		}
		if doc.disconnected {
			// once disconnected, no further traffic. The gateway itself
			// has no concept of channel disconnection, so this layer is
			// the enforcement point.
			return fmt.Errorf("private channel %q is disconnected: %w", channelId, ErrAccessDenied)
		}
	}

	// app and private channels: read-modify-write against the backing
	// context, preserving previously-broadcast types under other type keys
	storage, err := self.coordinator.Get(ctx, channelId)
	if err != nil {
		return err
	}
	return self.coordinator.Set(ctx, channelId, MergeChannelContext(storage, fdc3Context))
}

// GetCurrentContext answers "latest of type T" when fdc3Type is set, and
// the "no particular type" read (latest type over a base fold of older
// types) when it is "".
func (self *ChannelController) GetCurrentContext(ctx context.Context, channelId string, fdc3Type string) (*Context, error) {
	if channelId == "" {
		return nil, fmt.Errorf("channel id is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}

	var storage map[string]any
	if userChannel := self.state.UserChannel(channelId); userChannel != nil {
		transportName, _ := self.state.TransportName(userChannel.Id())
		snapshot, err := self.coordinator.GetChannel(ctx, transportName)
		if err != nil {
			return nil, err
		}
		storage = snapshot.Data
	} else {
		data, err := self.coordinator.Get(ctx, channelId)
		if err != nil {
			return nil, err
		}
		storage = data
	}

	if fdc3Type != "" {
		return DecodeContextOfType(storage, fdc3Type), nil
	}
	return DecodeMergedContext(storage), nil
}

// GetOrCreateChannel resolves user channels from the registry and treats
// any other id as an app channel, auto-created (empty context) when it does
// not already exist. Private channel ids are always rejected: private
// channels are never discoverable by id.
func (self *ChannelController) GetOrCreateChannel(ctx context.Context, channelId string) (*Channel, error) {
	if channelId == "" {
		return nil, fmt.Errorf("channel id is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}

	if strings.HasPrefix(channelId, PrivateChannelPrefix) {
		return nil, fmt.Errorf("private channels are not discoverable by id: %w", ErrAccessDenied)
	}
	if userChannel := self.state.UserChannel(channelId); userChannel != nil {
		return userChannel, nil
	}

	exists, err := self.coordinator.Exists(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := self.coordinator.Set(ctx, channelId, map[string]any{}); err != nil {
			return nil, err
		}
	}
	return &Channel{
		channelId:   channelId,
		channelType: ChannelTypeApp,
		controller:  self,
	}, nil
}

// GetUserChannels lists the FDC3-eligible user channels, stable by id
func (self *ChannelController) GetUserChannels(ctx context.Context) ([]*Channel, error) {
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}
	channels := self.state.UserChannels()
	sort.Slice(channels, func(i int, j int) bool {
		return channels[i].Id() < channels[j].Id()
	})
	return channels, nil
}

// GetSystemChannels is the legacy name for GetUserChannels.
func (self *ChannelController) GetSystemChannels(ctx context.Context) ([]*Channel, error) {
	return self.GetUserChannels(ctx)
}

func (self *ChannelController) GetCurrentChannel(ctx context.Context) (*Channel, error) {
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}
	return self.state.Current(), nil
}

// JoinUserChannel joins a user channel by public id. Membership is
// exclusive: the gateway leaves the previous channel on join.
func (self *ChannelController) JoinUserChannel(ctx context.Context, channelId string) error {
	if channelId == "" {
		return fmt.Errorf("channel id is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return err
	}

	userChannel := self.state.UserChannel(channelId)
	if userChannel == nil {
		return fmt.Errorf("unknown user channel %q: %w", channelId, ErrNotFound)
	}
	transportName, _ := self.state.TransportName(channelId)
	if err := self.coordinator.JoinChannel(ctx, transportName); err != nil {
		return err
	}
	self.state.SetCurrent(userChannel)
	glog.V(1).Infof("[ch]join user channel %s\n", channelId)
	return nil
}

// JoinChannel is the legacy join: user channels join through the gateway,
// app channels are purely local bookkeeping (no transport join primitive
// exists for them).
func (self *ChannelController) JoinChannel(ctx context.Context, channelId string) error {
	if channelId == "" {
		return fmt.Errorf("channel id is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return err
	}

	if self.state.UserChannel(channelId) != nil {
		return self.JoinUserChannel(ctx, channelId)
	}
	if strings.HasPrefix(channelId, PrivateChannelPrefix) {
		return fmt.Errorf("cannot join a private channel: %w", ErrAccessDenied)
	}
	appChannel, err := self.GetOrCreateChannel(ctx, channelId)
	if err != nil {
		return err
	}
	self.state.SetCurrent(appChannel)
	glog.V(1).Infof("[ch]join app channel %s\n", channelId)
	return nil
}

func (self *ChannelController) LeaveCurrentChannel(ctx context.Context) error {
	if err := self.initialize(ctx); err != nil {
		return err
	}
	current := self.state.Current()
	if current == nil {
		return nil
	}
	if current.Type() == ChannelTypeUser {
		if err := self.coordinator.LeaveChannel(ctx); err != nil {
			return err
		}
	}
	self.state.SetCurrent(nil)
	glog.V(1).Infof("[ch]leave %s\n", current.Id())
	return nil
}

// private channel lifecycle

// CreatePrivateChannel generates an undiscoverable channel backed by an
// ad-hoc context tagged with the creating window's id
func (self *ChannelController) CreatePrivateChannel(ctx context.Context) (*PrivateChannel, error) {
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}
	me, err := self.coordinator.PeerId(ctx)
	if err != nil {
		return nil, err
	}

	channelId := PrivateChannelPrefix + NewId().String()
	err = self.coordinator.Set(ctx, channelId, map[string]any{
		privateFieldCreatorId: me.String(),
	})
	if err != nil {
		return nil, err
	}

	glog.V(1).Infof("[pc]create %s\n", channelId)

	privateChannel := newPrivateChannel(self, channelId, me)
	if err := privateChannel.watchInstanceStopped(ctx); err != nil {
		return nil, err
	}
	return privateChannel, nil
}

// AddClientToPrivateChannel records the second party. This is the moment a
// channel transitions from one-party to two-party; a third party is never
// accepted.
func (self *ChannelController) AddClientToPrivateChannel(ctx context.Context, channelId string, clientId Id) (*PrivateChannel, error) {
	if !strings.HasPrefix(channelId, PrivateChannelPrefix) {
		return nil, fmt.Errorf("not a private channel id: %w", ErrMalformed)
	}
	if clientId.IsZero() {
		return nil, fmt.Errorf("client id is required: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}

	doc, err := self.privateChannelDoc(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if doc.creatorId.IsZero() {
		return nil, fmt.Errorf("private channel %q does not exist: %w", channelId, ErrNotFound)
	}
	if !doc.clientId.IsZero() && doc.clientId != clientId {
		return nil, fmt.Errorf("private channel %q already has a client: %w", channelId, ErrAccessDenied)
	}

	err = self.coordinator.Update(ctx, channelId, map[string]any{
		privateFieldClientId: clientId.String(),
	})
	if err != nil {
		return nil, err
	}

	// replay listener registrations recorded before the client joined, so
	// the late-joining peer observes "someone was listening for type X"
	for _, listenerType := range doc.listenerTypes {
		notifyErr := self.systemMethods.Invoke(ctx, &SystemMethodArgs{
			Action:      SystemActionAddContextListener,
			ChannelId:   channelId,
			ContextType: listenerType,
			InstanceId:  doc.creatorId,
		}, clientId)
		if notifyErr != nil {
			glog.Infof("[pc]listener replay %s error = %s\n", channelId, notifyErr)
		}
	}

	glog.V(1).Infof("[pc]add client %s -> %s\n", clientId, channelId)

	privateChannel := newPrivateChannel(self, channelId, clientId)
	if err := privateChannel.watchInstanceStopped(ctx); err != nil {
		return nil, err
	}
	return privateChannel, nil
}

// AnnounceDisconnect marks the channel disconnected and notifies the party
// other than the one disconnecting. Each previously-recorded listener type
// is replayed as an unsubscribe first, so the remaining party's per-type
// cleanup runs before the single disconnect event.
func (self *ChannelController) AnnounceDisconnect(ctx context.Context, channelId string, stoppedId Id) error {
	if !strings.HasPrefix(channelId, PrivateChannelPrefix) {
		return fmt.Errorf("not a private channel id: %w", ErrMalformed)
	}
	if err := self.initialize(ctx); err != nil {
		return err
	}

	doc, err := self.privateChannelDoc(ctx, channelId)
	if err != nil {
		return err
	}

	err = self.coordinator.Update(ctx, channelId, map[string]any{
		privateFieldDisconnected: true,
	})
	if err != nil {
		return err
	}

	var other Id
	switch stoppedId {
	case doc.creatorId:
		other = doc.clientId
	case doc.clientId:
		other = doc.creatorId
	}
	if other.IsZero() {
		// no second party to notify
		return nil
	}

	glog.V(1).Infof("[pc]disconnect %s stopped=%s\n", channelId, stoppedId)

	for _, listenerType := range doc.listenerTypes {
		notifyErr := self.systemMethods.Invoke(ctx, &SystemMethodArgs{
			Action:      SystemActionUnsubscribe,
			ChannelId:   channelId,
			ContextType: listenerType,
			InstanceId:  stoppedId,
		}, other)
		if notifyErr != nil {
			glog.Infof("[pc]unsubscribe replay %s error = %s\n", channelId, notifyErr)
		}
	}
	return self.systemMethods.Invoke(ctx, &SystemMethodArgs{
		Action:     SystemActionDisconnect,
		ChannelId:  channelId,
		InstanceId: stoppedId,
	}, other)
}

// RegisterOnInstanceStopped converts an ungraceful process exit of either
// party into a graceful disconnect for the survivor
func (self *ChannelController) RegisterOnInstanceStopped(ctx context.Context, channelId string) (func(), error) {
	if err := self.initialize(ctx); err != nil {
		return nil, err
	}
	return self.coordinator.OnInstanceStopped(ctx, func(instance *InstanceInfo) {
		doc, err := self.privateChannelDoc(self.ctx, channelId)
		if err != nil {
			glog.Infof("[pc]instance-stopped read %s error = %s\n", channelId, err)
			return
		}
		if instance.InstanceId != doc.creatorId && instance.InstanceId != doc.clientId {
			// not a party of this channel
			return
		}
		if doc.disconnected {
			return
		}
		if err := self.AnnounceDisconnect(self.ctx, channelId, instance.InstanceId); err != nil {
			glog.Infof("[pc]instance-stopped disconnect %s error = %s\n", channelId, err)
		}
	})
}

// private channel document helpers

type privateChannelDocument struct {
	creatorId     Id
	clientId      Id
	disconnected  bool
	listenerTypes []string
}

func (self *ChannelController) privateChannelDoc(ctx context.Context, channelId string) (*privateChannelDocument, error) {
	data, err := self.coordinator.Get(ctx, channelId)
	if err != nil {
		return nil, err
	}
	return parsePrivateChannelDocument(data), nil
}

func parsePrivateChannelDocument(data map[string]any) *privateChannelDocument {
	doc := &privateChannelDocument{}
	if idStr, ok := data[privateFieldCreatorId].(string); ok {
		if id, err := ParseId(idStr); err == nil {
			doc.creatorId = id
		}
	}
	if idStr, ok := data[privateFieldClientId].(string); ok {
		if id, err := ParseId(idStr); err == nil {
			doc.clientId = id
		}
	}
	if disconnected, ok := data[privateFieldDisconnected].(bool); ok {
		doc.disconnected = disconnected
	}
	switch listenerTypes := data[privateFieldListenerTypes].(type) {
	case []string:
		doc.listenerTypes = listenerTypes
	case []any:
		// after a JSON round trip through the gateway
		for _, value := range listenerTypes {
			if listenerType, ok := value.(string); ok {
				doc.listenerTypes = append(doc.listenerTypes, listenerType)
			}
		}
	}
	return doc
}

func (self *ChannelController) otherPrivateParty(ctx context.Context, channelId string, relativeTo Id) Id {
	doc, err := self.privateChannelDoc(ctx, channelId)
	if err != nil {
		return Id{}
	}
	switch relativeTo {
	case doc.creatorId:
		return doc.clientId
	case doc.clientId:
		return doc.creatorId
	default:
		return Id{}
	}
}

// appendListenerType records a type filter in the shared ever-subscribed
// list. The list is append-only: explicit unsubscribes do not remove
// entries, a disconnect replays everything ever listened for.
func (self *ChannelController) appendListenerType(ctx context.Context, channelId string, fdc3Type string) error {
	doc, err := self.privateChannelDoc(ctx, channelId)
	if err != nil {
		return err
	}
	for _, existing := range doc.listenerTypes {
		if existing == fdc3Type {
			return nil
		}
	}
	return self.coordinator.Update(ctx, channelId, map[string]any{
		privateFieldListenerTypes: append(doc.listenerTypes, fdc3Type),
	})
}
