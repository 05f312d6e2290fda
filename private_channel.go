package glue

import (
	"context"
	"fmt"
	"sync"
)

// thin facade binding one private channel id to the controller's
// private-channel operations, plus local-only bookkeeping: the instance
// watch is dropped on voluntary disconnect so no external subscription
// dangles after teardown.
type PrivateChannel struct {
	channel    *Channel
	controller *ChannelController
	// this party's own instance id
	instanceId Id

	mutex          sync.Mutex
	disconnected   bool
	stopWatchUnsub func()
}

func newPrivateChannel(controller *ChannelController, channelId string, instanceId Id) *PrivateChannel {
	return &PrivateChannel{
		channel: &Channel{
			channelId:   channelId,
			channelType: ChannelTypePrivate,
			controller:  controller,
		},
		controller: controller,
		instanceId: instanceId,
	}
}

func (self *PrivateChannel) Id() string {
	return self.channel.Id()
}

func (self *PrivateChannel) Type() ChannelType {
	return ChannelTypePrivate
}

// watchInstanceStopped arms the ungraceful-exit detector for the other
// party. Idempotent.
func (self *PrivateChannel) watchInstanceStopped(ctx context.Context) error {
	self.mutex.Lock()
	armed := self.stopWatchUnsub != nil
	self.mutex.Unlock()
	if armed {
		return nil
	}
	unsub, err := self.controller.RegisterOnInstanceStopped(ctx, self.Id())
	if err != nil {
		return err
	}
	self.mutex.Lock()
	self.stopWatchUnsub = unsub
	self.mutex.Unlock()
	return nil
}

// Broadcast fails once the channel is disconnected, locally or remotely
func (self *PrivateChannel) Broadcast(ctx context.Context, fdc3Context *Context) error {
	self.mutex.Lock()
	disconnected := self.disconnected
	self.mutex.Unlock()
	if disconnected {
		return fmt.Errorf("private channel %q is disconnected: %w", self.Id(), ErrAccessDenied)
	}
	return self.channel.Broadcast(ctx, fdc3Context)
}

func (self *PrivateChannel) GetCurrentContext(ctx context.Context, fdc3Type string) (*Context, error) {
	return self.channel.GetCurrentContext(ctx, fdc3Type)
}

func (self *PrivateChannel) AddContextListener(ctx context.Context, fdc3Type string, handler ContextHandlerFunction) (func(), error) {
	self.mutex.Lock()
	disconnected := self.disconnected
	self.mutex.Unlock()
	if disconnected {
		return nil, fmt.Errorf("private channel %q is disconnected: %w", self.Id(), ErrAccessDenied)
	}
	return self.channel.AddContextListener(ctx, fdc3Type, handler)
}

// OnAddContextListener fires when the other party attaches a listener; the
// callback receives the type filter ("" for untyped)
func (self *PrivateChannel) OnAddContextListener(ctx context.Context, callback func(contextType string)) (func(), error) {
	return self.controller.systemMethods.Register(ctx, SystemActionAddContextListener, self.Id(), func(args *SystemMethodArgs) {
		callback(args.ContextType)
	})
}

// OnUnsubscribe fires when the other party drops a listener. A peer's death
// replays one unsubscribe per recorded type before the disconnect event.
func (self *PrivateChannel) OnUnsubscribe(ctx context.Context, callback func(contextType string)) (func(), error) {
	return self.controller.systemMethods.Register(ctx, SystemActionUnsubscribe, self.Id(), func(args *SystemMethodArgs) {
		callback(args.ContextType)
	})
}

// OnDisconnect fires exactly once when the other party disconnects,
// gracefully or by process death
func (self *PrivateChannel) OnDisconnect(ctx context.Context, callback func()) (func(), error) {
	return self.controller.systemMethods.Register(ctx, SystemActionDisconnect, self.Id(), func(args *SystemMethodArgs) {
		self.mutex.Lock()
		self.disconnected = true
		self.mutex.Unlock()
		callback()
	})
}

// Disconnect tears the channel down voluntarily: the instance watch is
// released first so this party's own announcement does not loop back
// through the stopped feed
func (self *PrivateChannel) Disconnect(ctx context.Context) error {
	self.mutex.Lock()
	if self.disconnected {
		self.mutex.Unlock()
		return nil
	}
	self.disconnected = true
	stopWatchUnsub := self.stopWatchUnsub
	self.stopWatchUnsub = nil
	self.mutex.Unlock()

	if stopWatchUnsub != nil {
		safeInvoke(stopWatchUnsub)
	}
	return self.controller.AnnounceDisconnect(ctx, self.Id(), self.instanceId)
}
