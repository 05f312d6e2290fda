package glue

import (
	"sync"

	"golang.org/x/exp/maps"
)

// pure bookkeeping for the channel layer. No I/O, no async: a mutable
// registry behind accessor methods so the invariants (one current channel,
// unique id<->name mapping) are enforced in one place. Consistency with the
// gateway is the controller's job, not the store's.
type ChannelState struct {
	mutex sync.Mutex

	// the joined user/app channel, nil when none. Set by local join/leave
	// and by externally-driven channel switches.
	current *Channel

	// public channel id -> model, populated once at initialization from
	// the gateway's channel list filtered to FDC3-eligible entries
	userChannels map[string]*Channel

	// public channel id <-> underlying transport channel name. Decoupled
	// because display/system names and public ids may differ.
	idToName map[string]string
	nameToId map[string]string
}

func NewChannelState() *ChannelState {
	return &ChannelState{
		userChannels: map[string]*Channel{},
		idToName:     map[string]string{},
		nameToId:     map[string]string{},
	}
}

func (self *ChannelState) Current() *Channel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.current
}

func (self *ChannelState) SetCurrent(channel *Channel) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.current = channel
}

func (self *ChannelState) UserChannel(channelId string) *Channel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.userChannels[channelId]
}

func (self *ChannelState) UserChannels() []*Channel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.userChannels)
}

// SetUserChannel records a user channel and its id<->name mapping
func (self *ChannelState) SetUserChannel(channel *Channel, transportName string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.userChannels[channel.Id()] = channel
	self.idToName[channel.Id()] = transportName
	self.nameToId[transportName] = channel.Id()
}

// TransportName resolves a public channel id to its transport channel name
func (self *ChannelState) TransportName(channelId string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	name, ok := self.idToName[channelId]
	return name, ok
}

// ChannelId resolves a transport channel name to its public channel id
func (self *ChannelState) ChannelId(transportName string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	channelId, ok := self.nameToId[transportName]
	return channelId, ok
}
