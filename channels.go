package glue

import (
	"context"
)

// channel variants. A given channel id maps to exactly one variant; the
// discriminant is carried on the model rather than guessed structurally.
type ChannelType int

const (
	// pre-provisioned, named, exclusive single membership per window
	ChannelTypeUser ChannelType = iota
	// ad-hoc, non-exclusive, auto-created on first reference
	ChannelTypeApp
	// two-party, lifecycle-aware, never discoverable by id
	ChannelTypePrivate
)

func (self ChannelType) String() string {
	switch self {
	case ChannelTypeUser:
		return "user"
	case ChannelTypeApp:
		return "app"
	case ChannelTypePrivate:
		return "private"
	default:
		return "unknown"
	}
}

type DisplayMetadata struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// handler for decoded typed contexts delivered to a channel listener
type ContextHandlerFunction func(context *Context, meta *UpdateMeta)

// Channel unifies the three variants behind one capability set. All
// operations route through the controller, which enforces the per-variant
// rules.
type Channel struct {
	channelId   string
	channelType ChannelType
	display     DisplayMetadata

	controller *ChannelController
}

func (self *Channel) Id() string {
	return self.channelId
}

func (self *Channel) Type() ChannelType {
	return self.channelType
}

// DisplayMetadata is only populated for user channels
func (self *Channel) DisplayMetadata() DisplayMetadata {
	return self.display
}

func (self *Channel) Broadcast(ctx context.Context, fdc3Context *Context) error {
	return self.controller.Broadcast(ctx, fdc3Context, self.channelId)
}

func (self *Channel) GetCurrentContext(ctx context.Context, fdc3Type string) (*Context, error) {
	return self.controller.GetCurrentContext(ctx, self.channelId, fdc3Type)
}

func (self *Channel) AddContextListener(ctx context.Context, fdc3Type string, handler ContextHandlerFunction) (func(), error) {
	return self.controller.AddContextListener(ctx, handler, fdc3Type, self.channelId)
}
