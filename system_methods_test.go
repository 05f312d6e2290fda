package glue

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSystemMethodArgsValidate(t *testing.T) {
	args := &SystemMethodArgs{
		Action:    SystemActionAddContextListener,
		ChannelId: "ch",
	}
	assert.Equal(t, args.Validate(), nil)

	args = &SystemMethodArgs{
		Action:    "detonate",
		ChannelId: "ch",
	}
	assert.Equal(t, errors.Is(args.Validate(), ErrMalformed), true)

	args = &SystemMethodArgs{
		Action: SystemActionDisconnect,
	}
	assert.Equal(t, errors.Is(args.Validate(), ErrMalformed), true)
}

func TestSystemMethodArgsRoundTrip(t *testing.T) {
	instanceId := NewId()
	args := &SystemMethodArgs{
		Action:      SystemActionUnsubscribe,
		ChannelId:   "ch",
		ContextType: "fdc3.quote",
		InstanceId:  instanceId,
	}

	decoded, err := systemMethodArgsFromMap(args.toMap())
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Action, SystemActionUnsubscribe)
	assert.Equal(t, decoded.ChannelId, "ch")
	assert.Equal(t, decoded.ContextType, "fdc3.quote")
	assert.Equal(t, decoded.InstanceId, instanceId)
}

func TestSystemMethodDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newFakeBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()
	b, bGateway := newTestGlue(ctx, t, broker, "appB")
	defer b.Close()

	// callbacks are keyed by (action, channelId)
	got := []string{}
	unsub, err := b.systemMethods.Register(ctx, SystemActionAddContextListener, "ch1", func(args *SystemMethodArgs) {
		got = append(got, args.ContextType)
	})
	assert.Equal(t, err, nil)
	defer unsub()

	other := 0
	unsubOther, err := b.systemMethods.Register(ctx, SystemActionDisconnect, "ch1", func(args *SystemMethodArgs) {
		other += 1
	})
	assert.Equal(t, err, nil)
	defer unsubOther()

	err = a.systemMethods.Invoke(ctx, &SystemMethodArgs{
		Action:      SystemActionAddContextListener,
		ChannelId:   "ch1",
		ContextType: "fdc3.quote",
	}, bGateway.peerId)
	assert.Equal(t, err, nil)

	assert.Equal(t, got, []string{"fdc3.quote"})
	assert.Equal(t, other, 0)

	// a notification for a channel with no local callback is accepted and
	// dropped
	err = a.systemMethods.Invoke(ctx, &SystemMethodArgs{
		Action:    SystemActionAddContextListener,
		ChannelId: "ch2",
	}, bGateway.peerId)
	assert.Equal(t, err, nil)
}

func TestSystemMethodInvokeValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := newFakeBroker()
	a, _ := newTestGlue(ctx, t, broker, "appA")
	defer a.Close()

	// malformed payloads never reach the wire
	err := a.systemMethods.Invoke(ctx, &SystemMethodArgs{
		Action:    "detonate",
		ChannelId: "ch1",
	}, NewId())
	assert.Equal(t, errors.Is(err, ErrMalformed), true)

	err = a.systemMethods.Invoke(ctx, &SystemMethodArgs{
		Action:    SystemActionDisconnect,
		ChannelId: "ch1",
	}, Id{})
	assert.Equal(t, errors.Is(err, ErrMalformed), true)
}
