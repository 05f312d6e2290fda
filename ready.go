package glue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the connection handshake with the host environment happens out-of-band
// after this process' code has already started running. The host drives a
// small fixed event protocol:
//
//	start               host is alive, the handover may begin
//	requestGlue         this layer asks the host for a connection
//	requestGlueResponse host hands over the validated connection object
//
// exactly these three event names are recognized; others are ignored.
// modeled as an explicit three-state machine with a single resolved-once
// channel rather than a generic named-event listener map.

const (
	WindowEventStart               = "start"
	WindowEventRequestGlue         = "requestGlue"
	WindowEventRequestGlueResponse = "requestGlueResponse"
)

type bootstrapState int

const (
	bootstrapUninitialized bootstrapState = iota
	bootstrapAwaitingConnection
	bootstrapReady
	bootstrapFailed
)

type BootstrapSettings struct {
	// bound on the whole handover. The host may never answer; every public
	// entry point awaits the ready signal and must not hang forever.
	ReadyTimeout time.Duration
}

func DefaultBootstrapSettings() *BootstrapSettings {
	return &BootstrapSettings{
		ReadyTimeout: 120 * time.Second,
	}
}

type Bootstrap struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BootstrapSettings

	mutex   sync.Mutex
	state   bootstrapState
	gateway Gateway
	err     error
	// closed exactly once, when state leaves awaiting
	done chan struct{}

	requestGlueCallbacks *CallbackList[func()]
	readyCallbacks       *CallbackList[func()]
}

func NewBootstrapWithDefaults(ctx context.Context) *Bootstrap {
	return NewBootstrap(ctx, DefaultBootstrapSettings())
}

func NewBootstrap(ctx context.Context, settings *BootstrapSettings) *Bootstrap {
	cancelCtx, cancel := context.WithCancel(ctx)
	bootstrap := &Bootstrap{
		ctx:                  cancelCtx,
		cancel:               cancel,
		settings:             settings,
		state:                bootstrapUninitialized,
		done:                 make(chan struct{}),
		requestGlueCallbacks: NewCallbackList[func()](),
		readyCallbacks:       NewCallbackList[func()](),
	}
	// the timeout covers the whole handover, whether or not the host ever
	// sends `start`
	go bootstrap.watchTimeout()
	return bootstrap
}

// HandleWindowEvent is the entry point for the host's window-level events.
// `connection` is only consulted for `requestGlueResponse`.
func (self *Bootstrap) HandleWindowEvent(name string, connection Gateway) {
	switch name {
	case WindowEventStart:
		self.Start()
	case WindowEventRequestGlueResponse:
		self.Offer(connection)
	default:
		// not part of the handshake
		glog.V(2).Infof("[g]ignore window event %s\n", name)
	}
}

// Start moves the handshake to awaiting-connection and announces
// `requestGlue` to the host. Calling it more than once is a no-op.
func (self *Bootstrap) Start() {
	self.mutex.Lock()
	if self.state != bootstrapUninitialized {
		self.mutex.Unlock()
		return
	}
	self.state = bootstrapAwaitingConnection
	self.mutex.Unlock()

	for _, callback := range self.requestGlueCallbacks.Get() {
		safeInvoke(callback)
	}
}

func (self *Bootstrap) watchTimeout() {
	select {
	case <-self.done:
		return
	case <-self.ctx.Done():
		self.fail(fmt.Errorf("closed before the gateway handover completed: %w", ErrDisconnected))
	case <-time.After(self.settings.ReadyTimeout):
		self.fail(fmt.Errorf("gateway handover did not complete within %s: %w", self.settings.ReadyTimeout, ErrTimeout))
	}
}

// OnRequestGlue registers the host-facing side of the handshake: the
// callback fires when this layer wants a connection.
func (self *Bootstrap) OnRequestGlue(callback func()) func() {
	callbackId := self.requestGlueCallbacks.Add(callback)
	return once(func() {
		self.requestGlueCallbacks.Remove(callbackId)
	})
}

// Offer hands over the connection object. The capability surface is
// validated before the ready signal fires; an incomplete gateway fails
// the handshake instead of partially initializing.
func (self *Bootstrap) Offer(gateway Gateway) error {
	if err := ValidateGateway(gateway); err != nil {
		self.fail(err)
		return err
	}

	self.mutex.Lock()
	switch self.state {
	case bootstrapReady:
		self.mutex.Unlock()
		// already resolved
		return nil
	case bootstrapFailed:
		err := self.err
		self.mutex.Unlock()
		return err
	}
	self.state = bootstrapReady
	self.gateway = gateway
	close(self.done)
	self.mutex.Unlock()

	glog.V(1).Infof("[g]ready %s\n", gateway.PeerId())

	for _, callback := range self.readyCallbacks.Get() {
		safeInvoke(callback)
	}
	return nil
}

func (self *Bootstrap) fail(err error) {
	self.mutex.Lock()
	if self.state == bootstrapReady || self.state == bootstrapFailed {
		self.mutex.Unlock()
		return
	}
	self.state = bootstrapFailed
	self.err = err
	close(self.done)
	self.mutex.Unlock()

	glog.Infof("[g]handover failed = %s\n", err)
}

// OnReady fires the callback once the handover completes. If the handover
// already completed, the callback fires immediately.
func (self *Bootstrap) OnReady(callback func()) func() {
	self.mutex.Lock()
	ready := self.state == bootstrapReady
	self.mutex.Unlock()
	if ready {
		safeInvoke(callback)
		return func() {}
	}
	callbackId := self.readyCallbacks.Add(callback)
	return once(func() {
		self.readyCallbacks.Remove(callbackId)
	})
}

// Await blocks until the handover completes, fails, or the caller's context
// ends. Every public operation in this package awaits this before touching
// the gateway.
func (self *Bootstrap) Await(ctx context.Context) (Gateway, error) {
	select {
	case <-self.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == bootstrapFailed {
		return nil, self.err
	}
	return self.gateway, nil
}

func (self *Bootstrap) Close() {
	self.cancel()
}
