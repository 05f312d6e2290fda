package glue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCreatePrivateChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, aGateway := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()

	private, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(private.Id(), PrivateChannelPrefix), true)
	assert.Equal(t, private.Type(), ChannelTypePrivate)

	// the backing context records the creating window
	data, err := a.Contexts().Get(ctx, private.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, data["creatorId"], aGateway.peerId.String())
}

func TestPrivateChannelMessaging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)

	bPrivate, err := b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)
	assert.Equal(t, bPrivate.Id(), aPrivate.Id())

	aReceived := []*Context{}
	unsub, err := aPrivate.AddContextListener(ctx, "fdc3.quote", func(fdc3Context *Context, meta *UpdateMeta) {
		aReceived = append(aReceived, fdc3Context)
	})
	assert.Equal(t, err, nil)
	defer unsub()

	err = bPrivate.Broadcast(ctx, &Context{
		Type:   "fdc3.quote",
		Fields: map[string]any{"bid": 1.09},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(aReceived), 1)
	assert.Equal(t, aReceived[0].Type, "fdc3.quote")
	assert.Equal(t, aReceived[0].Fields["bid"], 1.09)

	current, err := bPrivate.GetCurrentContext(ctx, "fdc3.quote")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, current, nil)
	assert.Equal(t, current.Fields["bid"], 1.09)
}

func TestPrivateChannelTwoPartyExclusivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()
	c, cGateway := newTestGlue(ctx, t, broker, "appC")
	defer c.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)

	_, err = b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	// a third party is never accepted
	_, err = c.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), cGateway.peerId)
	assert.Equal(t, errors.Is(err, ErrAccessDenied), true)

	// the same client re-joining is not a third party
	_, err = b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	// unknown channel
	_, err = c.Channels().AddClientToPrivateChannel(ctx, PrivateChannelPrefix+NewId().String(), cGateway.peerId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	// non-private id
	_, err = c.Channels().AddClientToPrivateChannel(ctx, "blotter", cGateway.peerId)
	assert.Equal(t, errors.Is(err, ErrMalformed), true)
}

func TestPrivateChannelListenerNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)
	bPrivate, err := b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	added := []string{}
	unsubAdded, err := bPrivate.OnAddContextListener(ctx, func(contextType string) {
		added = append(added, contextType)
	})
	assert.Equal(t, err, nil)
	defer unsubAdded()

	removed := []string{}
	unsubRemoved, err := bPrivate.OnUnsubscribe(ctx, func(contextType string) {
		removed = append(removed, contextType)
	})
	assert.Equal(t, err, nil)
	defer unsubRemoved()

	unsubListener, err := aPrivate.AddContextListener(ctx, "fdc3.quote", func(fdc3Context *Context, meta *UpdateMeta) {})
	assert.Equal(t, err, nil)
	assert.Equal(t, added, []string{"fdc3.quote"})

	unsubListener()
	assert.Equal(t, removed, []string{"fdc3.quote"})
}

func TestPrivateChannelListenerReplayOnClientJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)

	// a listener registered before the second party joins
	unsubListener, err := aPrivate.AddContextListener(ctx, "fdc3.quote", func(fdc3Context *Context, meta *UpdateMeta) {})
	assert.Equal(t, err, nil)
	defer unsubListener()

	// the client's side of the lifecycle method, armed before joining
	added := []string{}
	unsubAdded, err := b.systemMethods.Register(ctx, SystemActionAddContextListener, aPrivate.Id(), func(args *SystemMethodArgs) {
		added = append(added, args.ContextType)
	})
	assert.Equal(t, err, nil)
	defer unsubAdded()

	_, err = b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	// the late-joining client observes that a listener already exists
	assert.Equal(t, added, []string{"fdc3.quote"})
}

func TestPrivateChannelDisconnectReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)

	// two recorded listener types, in order
	_, err = aPrivate.AddContextListener(ctx, "fdc3.quote", func(fdc3Context *Context, meta *UpdateMeta) {})
	assert.Equal(t, err, nil)
	_, err = aPrivate.AddContextListener(ctx, "fdc3.trade", func(fdc3Context *Context, meta *UpdateMeta) {})
	assert.Equal(t, err, nil)

	bPrivate, err := b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	events := []string{}
	unsubRemoved, err := bPrivate.OnUnsubscribe(ctx, func(contextType string) {
		events = append(events, "unsubscribe:"+contextType)
	})
	assert.Equal(t, err, nil)
	defer unsubRemoved()
	unsubDisconnect, err := bPrivate.OnDisconnect(ctx, func() {
		events = append(events, "disconnect")
	})
	assert.Equal(t, err, nil)
	defer unsubDisconnect()

	err = aPrivate.Disconnect(ctx)
	assert.Equal(t, err, nil)

	// one unsubscribe per recorded type, then exactly one disconnect
	assert.Equal(t, events, []string{
		"unsubscribe:fdc3.quote",
		"unsubscribe:fdc3.trade",
		"disconnect",
	})

	// no further traffic in either direction
	err = bPrivate.Broadcast(ctx, &Context{
		Type:   "fdc3.quote",
		Fields: map[string]any{},
	})
	assert.Equal(t, errors.Is(err, ErrAccessDenied), true)
	err = aPrivate.Broadcast(ctx, &Context{
		Type:   "fdc3.quote",
		Fields: map[string]any{},
	})
	assert.Equal(t, errors.Is(err, ErrAccessDenied), true)
	_, err = bPrivate.AddContextListener(ctx, "", func(fdc3Context *Context, meta *UpdateMeta) {})
	assert.Equal(t, errors.Is(err, ErrAccessDenied), true)

	// disconnecting twice is a no-op
	err = aPrivate.Disconnect(ctx)
	assert.Equal(t, err, nil)
}

func TestPrivateChannelInstanceStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newChannelBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	aPrivate, err := a.Channels().CreatePrivateChannel(ctx)
	assert.Equal(t, err, nil)
	_, err = b.Channels().AddClientToPrivateChannel(ctx, aPrivate.Id(), bGateway.peerId)
	assert.Equal(t, err, nil)

	disconnects := 0
	unsubDisconnect, err := aPrivate.OnDisconnect(ctx, func() {
		disconnects += 1
	})
	assert.Equal(t, err, nil)
	defer unsubDisconnect()

	// the client process dies without a graceful disconnect
	broker.stopInstance(bGateway.peerId)

	// the survivor observes exactly one disconnect
	assert.Equal(t, disconnects, 1)

	err = aPrivate.Broadcast(ctx, &Context{
		Type:   "fdc3.quote",
		Fields: map[string]any{},
	})
	assert.Equal(t, errors.Is(err, ErrAccessDenied), true)
}
