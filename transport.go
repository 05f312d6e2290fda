package glue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"interop.io/glue/protocol"
)

// websocket gateway transport. The only place the wire protocol is spoken;
// everything above consumes the Gateway capability surface.
//
// the transport prefers one gateway and falls back to a default: each
// connect attempt tries the preferred url first, and after a session drops
// the next attempt starts from the preferred url again, so a recovered
// preferred gateway wins back the connection on the next drop.

const transportSendBufferSize = 32

type GatewayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultGatewayTransportSettings() *GatewayTransportSettings {
	return &GatewayTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

type GatewayAuth struct {
	// signed token naming the window and app identity
	Token      string
	InstanceId Id
	AppVersion string
}

// AppId reads the app identity out of the token without verifying it; the
// gateway does the verification
func (self *GatewayAuth) AppId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.Token, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if appId, ok := claims["app_id"].(string); ok {
		return appId, nil
	}
	return "", fmt.Errorf("token has no app_id claim: %w", ErrMalformed)
}

type transportSubscription struct {
	subscriptionId string
	callback       ContextUpdateFunction
}

type GatewayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	preferredUrl string
	defaultUrl   string
	auth         *GatewayAuth

	settings *GatewayTransportSettings

	mutex sync.Mutex
	// socket usable: internal writes (including the reconnect replay) go
	// through while linkUp
	linkUp bool
	// public: linkUp and the reconnect replay completed
	connected     bool
	everConnected bool
	peerId        Id
	windowId      Id
	sendChan      chan []byte
	nextRequestId int
	pending       map[string]chan *protocol.Frame
	subscriptions map[string]*transportSubscription
	methods       map[string]MethodHandler

	channelChangedCallbacks  *CallbackList[func(name string)]
	instanceStoppedCallbacks *CallbackList[func(instance *InstanceInfo)]
	reconnectedCallbacks     *CallbackList[func()]

	contexts   *transportContexts
	channels   *transportChannels
	interop    *transportInterop
	appManager *transportAppManager
	windows    *transportWindows
}

func NewGatewayTransportWithDefaults(
	ctx context.Context,
	preferredUrl string,
	defaultUrl string,
	auth *GatewayAuth,
) *GatewayTransport {
	return NewGatewayTransport(ctx, preferredUrl, defaultUrl, auth, DefaultGatewayTransportSettings())
}

func NewGatewayTransport(
	ctx context.Context,
	preferredUrl string,
	defaultUrl string,
	auth *GatewayAuth,
	settings *GatewayTransportSettings,
) *GatewayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &GatewayTransport{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		preferredUrl:             preferredUrl,
		defaultUrl:               defaultUrl,
		auth:                     auth,
		settings:                 settings,
		pending:                  map[string]chan *protocol.Frame{},
		subscriptions:            map[string]*transportSubscription{},
		methods:                  map[string]MethodHandler{},
		channelChangedCallbacks:  NewCallbackList[func(name string)](),
		instanceStoppedCallbacks: NewCallbackList[func(instance *InstanceInfo)](),
		reconnectedCallbacks:     NewCallbackList[func()](),
	}
	transport.contexts = &transportContexts{transport: transport}
	transport.channels = &transportChannels{transport: transport}
	transport.interop = &transportInterop{transport: transport}
	transport.appManager = &transportAppManager{transport: transport}
	transport.windows = &transportWindows{transport: transport}
	go transport.run()
	return transport
}

func (self *GatewayTransport) run() {
	defer self.cancel()

	urls := []string{self.preferredUrl}
	if self.defaultUrl != "" && self.defaultUrl != self.preferredUrl {
		urls = append(urls, self.defaultUrl)
	}

	for {
		var ws *websocket.Conn
		var welcome *protocol.Welcome
		var err error
		for _, url := range urls {
			ws, welcome, err = self.connect(url)
			if err == nil {
				break
			}
			glog.Infof("[g]connect %s error = %s\n", url, err)
		}
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.runSession(ws, welcome)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *GatewayTransport) connect(url string) (*websocket.Conn, *protocol.Welcome, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	helloFrame, err := protocol.NewFrame(protocol.DomainAuth, protocol.TypeHello, "", &protocol.Hello{
		Token:      self.auth.Token,
		InstanceId: self.auth.InstanceId.String(),
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return nil, nil, err
	}
	helloBytes, err := protocol.EncodeFrame(helloFrame)
	if err != nil {
		return nil, nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, helloBytes); err != nil {
		return nil, nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		return nil, nil, err
	}
	if frame.Domain != protocol.DomainAuth || frame.Type != protocol.TypeWelcome {
		return nil, nil, fmt.Errorf("Auth response error.")
	}
	welcome := &protocol.Welcome{}
	if err := frame.DecodePayload(welcome); err != nil {
		return nil, nil, err
	}
	if _, err := ParseId(welcome.PeerId); err != nil {
		return nil, nil, fmt.Errorf("Auth response error: bad peer id.")
	}

	success = true
	return ws, welcome, nil
}

func (self *GatewayTransport) runSession(ws *websocket.Conn, welcome *protocol.Welcome) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	peerId, _ := ParseId(welcome.PeerId)
	var windowId Id
	if welcome.WindowId != "" {
		windowId, _ = ParseId(welcome.WindowId)
	}

	send := make(chan []byte, transportSendBufferSize)

	self.mutex.Lock()
	self.peerId = peerId
	self.windowId = windowId
	self.sendChan = send
	self.linkUp = true
	reconnected := self.everConnected
	self.everConnected = true
	self.mutex.Unlock()

	glog.V(1).Infof("[g]session up %s reconnect=%t\n", peerId, reconnected)

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a deadline timeout cannot be recovered on a websocket
					glog.Infof("[g]%s-> error = %s\n", peerId, err)
					return
				}
				glog.V(2).Infof("[g]%s->\n", peerId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// read pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[g]%s<- error = %s\n", peerId, err)
				return
			}
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[g]ping %s<-\n", peerId)
				continue
			}
			frame, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.Infof("[g]%s<- bad frame = %s\n", peerId, err)
				continue
			}
			self.dispatch(handleCtx, frame)
		}
	}()

	if reconnected {
		// re-announce subscriptions and method registrations before
		// reporting connected, so no public operation observes a
		// half-replayed state
		for _, callback := range self.reconnectedCallbacks.Get() {
			safeInvoke(callback)
		}
	}
	self.mutex.Lock()
	self.connected = true
	self.mutex.Unlock()

	<-handleCtx.Done()

	self.mutex.Lock()
	self.linkUp = false
	self.connected = false
	self.sendChan = nil
	pending := self.pending
	self.pending = map[string]chan *protocol.Frame{}
	// the next session's replay re-announces every subscription with a
	// fresh id; the old server-side state is gone
	self.subscriptions = map[string]*transportSubscription{}
	self.mutex.Unlock()

	// in-flight operations fail rather than hang; reconnection does not
	// retroactively resolve them
	for _, result := range pending {
		close(result)
	}

	glog.Infof("[g]session down %s\n", peerId)
}

func (self *GatewayTransport) enqueue(frame *protocol.Frame) error {
	self.mutex.Lock()
	linkUp := self.linkUp
	send := self.sendChan
	self.mutex.Unlock()
	if !linkUp || send == nil {
		return fmt.Errorf("gateway link is down: %w", ErrDisconnected)
	}

	message, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}

	select {
	case send <- message:
		return nil
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed: %w", ErrDisconnected)
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send buffer full: %w", ErrDisconnected)
	}
}

// request sends one frame and awaits the response with the same request id
func (self *GatewayTransport) request(ctx context.Context, domain protocol.Domain, frameType string, payload any, into any) error {
	self.mutex.Lock()
	self.nextRequestId += 1
	requestId := fmt.Sprintf("%d", self.nextRequestId)
	result := make(chan *protocol.Frame, 1)
	self.pending[requestId] = result
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		delete(self.pending, requestId)
		self.mutex.Unlock()
	}()

	frame, err := protocol.NewFrame(domain, frameType, requestId, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformed)
	}
	if err := self.enqueue(frame); err != nil {
		return err
	}

	select {
	case response, ok := <-result:
		if !ok {
			return fmt.Errorf("gateway link dropped mid-request: %w", ErrDisconnected)
		}
		if response.Type == protocol.TypeError {
			errorPayload := &protocol.ErrorPayload{}
			if err := response.DecodePayload(errorPayload); err != nil {
				return err
			}
			return mapProtocolError(errorPayload)
		}
		if into != nil {
			return response.DecodePayload(into)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(self.settings.RequestTimeout):
		return fmt.Errorf("no response for %s/%s: %w", domain, frameType, ErrTimeout)
	}
}

func mapProtocolError(payload *protocol.ErrorPayload) error {
	switch payload.Code {
	case protocol.ErrorCodeAccessDenied:
		return fmt.Errorf("%s: %w", payload.Message, ErrAccessDenied)
	case protocol.ErrorCodeNotFound:
		return fmt.Errorf("%s: %w", payload.Message, ErrNotFound)
	case protocol.ErrorCodeMalformed:
		return fmt.Errorf("%s: %w", payload.Message, ErrMalformed)
	default:
		return fmt.Errorf("gateway error: %s", payload.Message)
	}
}

func (self *GatewayTransport) dispatch(ctx context.Context, frame *protocol.Frame) {
	if frame.RequestId != "" && (frame.Type == protocol.TypeResult || frame.Type == protocol.TypeError) {
		self.mutex.Lock()
		result := self.pending[frame.RequestId]
		delete(self.pending, frame.RequestId)
		self.mutex.Unlock()
		if result != nil {
			result <- frame
		}
		return
	}

	switch frame.Domain {
	case protocol.DomainContexts, protocol.DomainChannels:
		switch frame.Type {
		case protocol.TypeContextUpdated:
			payload := &protocol.ContextUpdated{}
			if err := frame.DecodePayload(payload); err != nil {
				glog.Infof("[g]bad update event = %s\n", err)
				return
			}
			self.mutex.Lock()
			subscription := self.subscriptions[payload.SubscriptionId]
			self.mutex.Unlock()
			if subscription == nil {
				// update for a subscription torn down locally
				return
			}
			update := &ContextUpdate{
				Name: payload.Name,
				Data: payload.Data,
			}
			if payload.UpdaterPeerId != "" {
				if updaterId, err := ParseId(payload.UpdaterPeerId); err == nil {
					update.UpdaterPeerId = updaterId
				}
			}
			subscription.callback(update)
		case protocol.TypeChannelChanged:
			if frame.Domain != protocol.DomainChannels {
				return
			}
			payload := &protocol.ChannelChanged{}
			if err := frame.DecodePayload(payload); err != nil {
				return
			}
			for _, callback := range self.channelChangedCallbacks.Get() {
				callback := callback
				safeInvoke(func() {
					callback(payload.Name)
				})
			}
		}
	case protocol.DomainInterop:
		if frame.Type == protocol.TypeInteropInvoke {
			go self.handleInvoke(ctx, frame)
		}
	case protocol.DomainAppManager:
		if frame.Type == protocol.TypeInstanceStopped {
			payload := &protocol.InstanceStopped{}
			if err := frame.DecodePayload(payload); err != nil {
				return
			}
			instance := instanceFromProtocol(&payload.Instance)
			for _, callback := range self.instanceStoppedCallbacks.Get() {
				callback := callback
				safeInvoke(func() {
					callback(instance)
				})
			}
		}
	}
}

func (self *GatewayTransport) handleInvoke(ctx context.Context, frame *protocol.Frame) {
	payload := &protocol.InteropInvoke{}
	if err := frame.DecodePayload(payload); err != nil {
		self.reply(frame.RequestId, protocol.DomainInterop, nil, err)
		return
	}

	self.mutex.Lock()
	handler := self.methods[payload.Method]
	self.mutex.Unlock()
	if handler == nil {
		self.reply(frame.RequestId, protocol.DomainInterop, nil, fmt.Errorf("method %q is not registered: %w", payload.Method, ErrNotFound))
		return
	}

	var caller Id
	if payload.CallerPeerId != "" {
		caller, _ = ParseId(payload.CallerPeerId)
	}

	result, err := handler(ctx, payload.Args, caller)
	self.reply(frame.RequestId, protocol.DomainInterop, result, err)
}

func (self *GatewayTransport) reply(requestId string, domain protocol.Domain, result map[string]any, err error) {
	var frame *protocol.Frame
	var frameErr error
	if err != nil {
		frame, frameErr = protocol.NewFrame(domain, protocol.TypeError, requestId, &protocol.ErrorPayload{
			Code:    protocol.ErrorCodeInternal,
			Message: err.Error(),
		})
	} else {
		frame, frameErr = protocol.NewFrame(domain, protocol.TypeResult, requestId, &protocol.InteropResult{
			Result: result,
		})
	}
	if frameErr != nil {
		glog.Infof("[g]reply encode error = %s\n", frameErr)
		return
	}
	if enqueueErr := self.enqueue(frame); enqueueErr != nil {
		glog.Infof("[g]reply send error = %s\n", enqueueErr)
	}
}

// subscription plumbing shared by the contexts and channels domains
func (self *GatewayTransport) subscribe(ctx context.Context, domain protocol.Domain, payload *protocol.ChannelSubscribe, contextPayload *protocol.ContextSubscribe, callback ContextUpdateFunction) (func(), error) {
	subscriptionId := NewId().String()
	subscription := &transportSubscription{
		subscriptionId: subscriptionId,
		callback:       callback,
	}

	// register locally before the request so the replay event delivered
	// with the subscribe response is never missed
	self.mutex.Lock()
	self.subscriptions[subscriptionId] = subscription
	self.mutex.Unlock()

	var err error
	if domain == protocol.DomainContexts {
		contextPayload.SubscriptionId = subscriptionId
		err = self.request(ctx, domain, protocol.TypeContextSubscribe, contextPayload, nil)
	} else {
		payload.SubscriptionId = subscriptionId
		err = self.request(ctx, domain, protocol.TypeChannelSubscribe, payload, nil)
	}
	if err != nil {
		self.mutex.Lock()
		delete(self.subscriptions, subscriptionId)
		self.mutex.Unlock()
		return nil, err
	}

	return once(func() {
		self.mutex.Lock()
		_, active := self.subscriptions[subscriptionId]
		delete(self.subscriptions, subscriptionId)
		self.mutex.Unlock()
		if !active {
			// already cleared by a link drop
			return
		}
		var frameType string
		var unsubscribePayload any
		if domain == protocol.DomainContexts {
			frameType = protocol.TypeContextUnsubscribe
			unsubscribePayload = &protocol.ContextUnsubscribe{SubscriptionId: subscriptionId}
		} else {
			frameType = protocol.TypeChannelUnsubscribe
			unsubscribePayload = &protocol.ContextUnsubscribe{SubscriptionId: subscriptionId}
		}
		// best effort: the subscription is dead locally either way
		if frame, err := protocol.NewFrame(domain, frameType, "", unsubscribePayload); err == nil {
			self.enqueue(frame)
		}
	}), nil
}

// Gateway surface

func (self *GatewayTransport) PeerId() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.peerId
}

func (self *GatewayTransport) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *GatewayTransport) Contexts() ContextsAPI {
	return self.contexts
}

func (self *GatewayTransport) Channels() ChannelsAPI {
	return self.channels
}

func (self *GatewayTransport) Interop() InteropAPI {
	return self.interop
}

func (self *GatewayTransport) AppManager() AppManagerAPI {
	return self.appManager
}

func (self *GatewayTransport) Windows() WindowsAPI {
	return self.windows
}

func (self *GatewayTransport) OnReconnected(callback func()) func() {
	callbackId := self.reconnectedCallbacks.Add(callback)
	return once(func() {
		self.reconnectedCallbacks.Remove(callbackId)
	})
}

func (self *GatewayTransport) Close() {
	self.cancel()
}

// contexts domain adapter

type transportContexts struct {
	transport *GatewayTransport
}

func (self *transportContexts) Get(ctx context.Context, name string) (map[string]any, error) {
	out := &protocol.ContextData{}
	err := self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextGet, &protocol.ContextGet{Name: name}, out)
	if err != nil {
		return nil, err
	}
	if out.Data == nil {
		return map[string]any{}, nil
	}
	return out.Data, nil
}

func (self *transportContexts) Set(ctx context.Context, name string, data map[string]any) error {
	return self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextSet, &protocol.ContextSet{Name: name, Data: data}, nil)
}

func (self *transportContexts) Update(ctx context.Context, name string, delta map[string]any) error {
	return self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextUpdate, &protocol.ContextUpdate{Name: name, Delta: delta}, nil)
}

func (self *transportContexts) SetPath(ctx context.Context, name string, path string, value any) error {
	return self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextSetPath, &protocol.ContextSetPath{Name: name, Path: path, Value: value}, nil)
}

func (self *transportContexts) SetPaths(ctx context.Context, name string, values []PathValue) error {
	protocolValues := make([]protocol.PathValue, len(values))
	for i, value := range values {
		protocolValues[i] = protocol.PathValue{Path: value.Path, Value: value.Value}
	}
	return self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextSetPaths, &protocol.ContextSetPaths{Name: name, Values: protocolValues}, nil)
}

func (self *transportContexts) Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error) {
	return self.transport.subscribe(ctx, protocol.DomainContexts, nil, &protocol.ContextSubscribe{Name: name}, callback)
}

func (self *transportContexts) All(ctx context.Context) ([]string, error) {
	out := &protocol.ContextNames{}
	err := self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextAll, nil, out)
	if err != nil {
		return nil, err
	}
	return out.Names, nil
}

func (self *transportContexts) Destroy(ctx context.Context, name string) error {
	return self.transport.request(ctx, protocol.DomainContexts, protocol.TypeContextDestroy, &protocol.ContextDestroy{Name: name}, nil)
}

// channels domain adapter

type transportChannels struct {
	transport *GatewayTransport
}

func (self *transportChannels) Publish(ctx context.Context, name string, delta map[string]any) error {
	return self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelPublish, &protocol.ChannelPublish{Name: name, Delta: delta}, nil)
}

func (self *transportChannels) Subscribe(ctx context.Context, name string, callback ContextUpdateFunction) (func(), error) {
	return self.transport.subscribe(ctx, protocol.DomainChannels, &protocol.ChannelSubscribe{Name: name}, nil, callback)
}

func (self *transportChannels) SubscribeAll(ctx context.Context, callback ContextUpdateFunction) (func(), error) {
	return self.transport.subscribe(ctx, protocol.DomainChannels, &protocol.ChannelSubscribe{All: true}, nil, callback)
}

func (self *transportChannels) SubscribeFor(ctx context.Context, name string, fdc3Type string, callback ContextUpdateFunction) (func(), error) {
	return self.transport.subscribe(ctx, protocol.DomainChannels, &protocol.ChannelSubscribe{Name: name, Fdc3Type: fdc3Type}, nil, callback)
}

func (self *transportChannels) Join(ctx context.Context, name string) error {
	return self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelJoin, &protocol.ChannelJoin{Name: name}, nil)
}

func (self *transportChannels) Leave(ctx context.Context) error {
	return self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelLeave, nil, nil)
}

func (self *transportChannels) Current(ctx context.Context) (string, error) {
	out := &protocol.ChannelCurrent{}
	err := self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelCurrent, nil, out)
	if err != nil {
		return "", err
	}
	return out.Name, nil
}

func (self *transportChannels) OnChanged(callback func(name string)) func() {
	callbackId := self.transport.channelChangedCallbacks.Add(callback)
	return once(func() {
		self.transport.channelChangedCallbacks.Remove(callbackId)
	})
}

func (self *transportChannels) List(ctx context.Context) ([]ChannelInfo, error) {
	out := &protocol.ChannelList{}
	err := self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelList, nil, out)
	if err != nil {
		return nil, err
	}
	infos := make([]ChannelInfo, len(out.Channels))
	for i, info := range out.Channels {
		infos[i] = ChannelInfo{Name: info.Name, Color: info.Color, Fdc3Id: info.Fdc3Id}
	}
	return infos, nil
}

func (self *transportChannels) Get(ctx context.Context, name string) (*ChannelSnapshot, error) {
	out := &protocol.ChannelSnapshot{}
	err := self.transport.request(ctx, protocol.DomainChannels, protocol.TypeChannelGet, &protocol.ChannelGet{Name: name}, out)
	if err != nil {
		return nil, err
	}
	data := out.Data
	if data == nil {
		data = map[string]any{}
	}
	return &ChannelSnapshot{
		Info: ChannelInfo{Name: out.Info.Name, Color: out.Info.Color, Fdc3Id: out.Info.Fdc3Id},
		Data: data,
	}, nil
}

// interop domain adapter

type transportInterop struct {
	transport *GatewayTransport
}

func (self *transportInterop) Register(ctx context.Context, method string, handler MethodHandler) (func(), error) {
	self.transport.mutex.Lock()
	self.transport.methods[method] = handler
	self.transport.mutex.Unlock()

	err := self.transport.request(ctx, protocol.DomainInterop, protocol.TypeInteropRegister, &protocol.InteropRegister{Method: method}, nil)
	if err != nil {
		self.transport.mutex.Lock()
		delete(self.transport.methods, method)
		self.transport.mutex.Unlock()
		return nil, err
	}

	return once(func() {
		self.transport.mutex.Lock()
		delete(self.transport.methods, method)
		self.transport.mutex.Unlock()
		if frame, err := protocol.NewFrame(protocol.DomainInterop, protocol.TypeInteropUnregister, "", &protocol.InteropUnregister{Method: method}); err == nil {
			self.transport.enqueue(frame)
		}
	}), nil
}

func (self *transportInterop) Invoke(ctx context.Context, method string, args map[string]any, target Id) (map[string]any, error) {
	out := &protocol.InteropResult{}
	err := self.transport.request(ctx, protocol.DomainInterop, protocol.TypeInteropInvoke, &protocol.InteropInvoke{
		Method:       method,
		Args:         args,
		TargetPeerId: target.String(),
	}, out)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (self *transportInterop) Methods(ctx context.Context) ([]string, error) {
	out := &protocol.InteropMethods{}
	err := self.transport.request(ctx, protocol.DomainInterop, protocol.TypeInteropMethods, nil, out)
	if err != nil {
		return nil, err
	}
	return out.Methods, nil
}

// appmanager domain adapter

type transportAppManager struct {
	transport *GatewayTransport
}

func instanceFromProtocol(instance *protocol.Instance) *InstanceInfo {
	info := &InstanceInfo{
		AppId: instance.AppId,
	}
	if instanceId, err := ParseId(instance.InstanceId); err == nil {
		info.InstanceId = instanceId
	}
	return info
}

func (self *transportAppManager) Instances(ctx context.Context) ([]InstanceInfo, error) {
	out := &protocol.Instances{}
	err := self.transport.request(ctx, protocol.DomainAppManager, protocol.TypeInstances, nil, out)
	if err != nil {
		return nil, err
	}
	instances := make([]InstanceInfo, len(out.Instances))
	for i := range out.Instances {
		instances[i] = *instanceFromProtocol(&out.Instances[i])
	}
	return instances, nil
}

func (self *transportAppManager) Instance(ctx context.Context, peerId Id) (*InstanceInfo, error) {
	out := &protocol.Instance{}
	err := self.transport.request(ctx, protocol.DomainAppManager, protocol.TypeInstance, &protocol.InstanceQuery{PeerId: peerId.String()}, out)
	if err != nil {
		return nil, err
	}
	return instanceFromProtocol(out), nil
}

func (self *transportAppManager) OnInstanceStopped(callback func(instance *InstanceInfo)) func() {
	callbackId := self.transport.instanceStoppedCallbacks.Add(callback)
	return once(func() {
		self.transport.instanceStoppedCallbacks.Remove(callbackId)
	})
}

// windows domain adapter

type transportWindows struct {
	transport *GatewayTransport
}

func (self *transportWindows) MyWindow(ctx context.Context) (*WindowInfo, error) {
	self.transport.mutex.Lock()
	windowId := self.transport.windowId
	self.transport.mutex.Unlock()
	if windowId.IsZero() {
		return nil, fmt.Errorf("no window identity before the first session: %w", ErrDisconnected)
	}
	return &WindowInfo{WindowId: windowId}, nil
}
