package glue

import (
	"context"
	"time"
)

// Glue is the client-side interoperability layer: it lets independent
// application windows discover each other, share structured context data,
// and invoke remote methods through a central gateway they do not control
// directly. All components are constructed explicitly, leaves first; there
// is no service container.
type GlueSettings struct {
	// bound on the out-of-band connection handover from the host
	ReadyTimeout time.Duration
}

func DefaultGlueSettings() *GlueSettings {
	return &GlueSettings{
		ReadyTimeout: 120 * time.Second,
	}
}

type Glue struct {
	ctx    context.Context
	cancel context.CancelFunc

	bootstrap     *Bootstrap
	coordinator   *ContextCoordinator
	systemMethods *SystemMethodRegistry
	channels      *ChannelController
}

func NewGlueWithDefaults(ctx context.Context) *Glue {
	return NewGlue(ctx, DefaultGlueSettings())
}

func NewGlue(ctx context.Context, settings *GlueSettings) *Glue {
	cancelCtx, cancel := context.WithCancel(ctx)

	bootstrap := NewBootstrap(cancelCtx, &BootstrapSettings{
		ReadyTimeout: settings.ReadyTimeout,
	})
	coordinator := NewContextCoordinator(cancelCtx, bootstrap)
	systemMethods := NewSystemMethodRegistry(cancelCtx, coordinator)
	channels := NewChannelController(cancelCtx, coordinator, systemMethods)

	return &Glue{
		ctx:           cancelCtx,
		cancel:        cancel,
		bootstrap:     bootstrap,
		coordinator:   coordinator,
		systemMethods: systemMethods,
		channels:      channels,
	}
}

// Bootstrap exposes the handshake with the host environment
func (self *Glue) Bootstrap() *Bootstrap {
	return self.bootstrap
}

// Contexts is the context operation family
func (self *Glue) Contexts() *ContextCoordinator {
	return self.coordinator
}

// Channels is the channel operation family
func (self *Glue) Channels() *ChannelController {
	return self.channels
}

// OnReady fires once the gateway handover completes. Methods internally
// await readiness anyway; the signal lets embedding code avoid queuing work
// during a long cold start.
func (self *Glue) OnReady(callback func()) func() {
	return self.bootstrap.OnReady(callback)
}

// Ready blocks until the gateway handover completes or fails
func (self *Glue) Ready(ctx context.Context) error {
	_, err := self.bootstrap.Await(ctx)
	return err
}

func (self *Glue) Close() {
	self.systemMethods.Close()
	self.bootstrap.Close()
	self.cancel()
}
