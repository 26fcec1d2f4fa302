package gqlwsclient

import (
	"errors"
	"net/http"
	"sync"
	"time"

	gqlwserror "github.com/calluna-io/gql-ws/error"
	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

const Subprotocol = `graphql-transport-ws`

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateAcknowledged
	stateReconnecting
	stateDisposed
)

type Client struct {
	*Config

	events *events
	sm     *subMan

	// lock guards the state machine, the current socket, the retry counter
	// and subscriber flags. wlock serializes frame writes.
	lock  sync.Mutex
	wlock sync.Mutex

	state     state
	conn      *websocket.Conn
	quiet     bool
	keepAlive *time.Timer
	retries   int
	err       error

	wake     chan interface{}
	done     chan interface{}
	doneOnce sync.Once
}

// NewClient constructs a client. In lazy mode (the default) no socket exists
// until the first Subscribe; with Eager set the first connection attempt
// starts immediately.
func NewClient(cfg *Config) *Client {
	var c Client
	cfg.init()
	c.Config = cfg
	c.events = newEvents(cfg.On)
	c.sm = newSubMan()
	c.wake = make(chan interface{}, 1)
	c.done = make(chan interface{})
	go c.run()
	if cfg.Eager {
		c.wakeUp()
	}
	return &c
}

// Close disposes the client. Remaining subscribers are completed, the socket
// is closed cleanly and no reconnection happens.
func (c *Client) Close() {
	c.lock.Lock()
	if c.state == stateDisposed {
		c.lock.Unlock()
		return
	}
	c.state = stateDisposed
	c.quiet = true
	conn := c.conn
	subs := c.sm.drain()
	c.lock.Unlock()
	for _, sub := range subs {
		if sub.done {
			continue
		}
		sub.done = true
		sub.sink.OnComplete()
	}
	if conn != nil {
		c.closeConn(conn, gqlwserror.CloseNormal, `terminated by user`)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Wait blocks until the client is disposed.
func (c *Client) Wait() {
	<-c.done
}

// Error reports why the client was disposed, if it went down with one.
func (c *Client) Error() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Subscribe registers a sink for the given operation and returns its dispose
// function. In lazy mode the first subscriber triggers the connection.
// Disposing sends a best-effort Complete to the server and guarantees no
// further sink calls.
func (c *Client) Subscribe(payload gqlwsmessage.SubscribePayload, handlers Handlers) func() {
	if handlers.OnComplete == nil {
		handlers.OnComplete = func() {}
	}
	if handlers.OnError == nil {
		handlers.OnError = func(error) {}
	}
	if handlers.OnNext == nil {
		handlers.OnNext = func(*graphql.Result) {}
	}
	id := c.GenerateID()
	sub := &subscriber{id: id, payload: payload, sink: handlers}

	c.lock.Lock()
	if c.state == stateDisposed {
		err := c.err
		c.lock.Unlock()
		if err == nil {
			err = errors.New(`client disposed`)
		}
		handlers.OnError(err)
		return func() {}
	}
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
	c.sm.set(id, sub)
	sendNow := c.state == stateAcknowledged && c.conn != nil
	if sendNow {
		sub.sent = true
	}
	idle := c.state == stateIdle
	c.lock.Unlock()

	if sendNow {
		if err := c.write(&gqlwsmessage.Message{Type: gqlwsmessage.Subscribe, ID: &id, Payload: payload}); err != nil {
			c.Logger.WithField(`error`, err.Error()).Debug(`subscribe dispatch failed, will replay on reconnect`)
		}
	}
	if idle {
		c.wakeUp()
	}

	return func() {
		c.lock.Lock()
		sub := c.sm.get(id)
		if sub == nil || sub.done {
			c.lock.Unlock()
			return
		}
		sub.done = true
		c.sm.del(id)
		sendComplete := c.state == stateAcknowledged && sub.sent && c.conn != nil
		c.lock.Unlock()
		if sendComplete {
			// best-effort; the socket may already be gone
			_ = c.write(&gqlwsmessage.Message{Type: gqlwsmessage.Complete, ID: &id})
		}
		c.maybeIdle()
	}
}

func (c *Client) wakeUp() {
	select {
	case c.wake <- nil:
	default:
	}
}

// run is the connection supervisor. It owns every socket the client ever
// holds and serializes inbound dispatch.
func (c *Client) run() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		c.connectLoop()
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// connectLoop drives connect attempts until the socket settles, the client
// goes idle, or reconnection gives up.
func (c *Client) connectLoop() {
	for {
		c.lock.Lock()
		if c.state == stateDisposed {
			c.lock.Unlock()
			return
		}
		if !c.Eager && c.sm.count() == 0 {
			c.state = stateIdle
			c.lock.Unlock()
			return
		}
		c.state = stateConnecting
		c.lock.Unlock()

		ev := c.session()

		c.lock.Lock()
		if c.state == stateDisposed {
			c.lock.Unlock()
			return
		}
		if ev == nil {
			// deliberate closure; go back to sleep
			c.state = stateIdle
			c.retries = 0
			c.conn = nil
			c.lock.Unlock()
			return
		}
		c.conn = nil
		if !gqlwserror.Terminal(ev.Code) {
			c.retries++
			if c.RetryAttempts < 0 || c.retries <= c.RetryAttempts {
				c.state = stateReconnecting
				c.sm.markUnsent()
				wait := c.RetryWait(c.retries)
				c.lock.Unlock()
				select {
				case <-time.After(wait):
				case <-c.done:
					return
				}
				continue
			}
		}
		c.lock.Unlock()
		c.fail(ev)
		return
	}
}

// fail disposes the client and delivers the close event as the terminal
// error of every remaining subscriber.
func (c *Client) fail(ev *gqlwserror.CloseEvent) {
	c.lock.Lock()
	c.state = stateDisposed
	c.err = ev
	subs := c.sm.drain()
	c.lock.Unlock()
	for _, sub := range subs {
		if sub.done {
			continue
		}
		sub.done = true
		sub.sink.OnError(ev)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// session runs a single socket from dial to close. It returns the observed
// close event, or nil when the closure was deliberate.
func (c *Client) session() *gqlwserror.CloseEvent {
	c.events.emitConnecting()

	urlStr := c.URL
	if c.URLProducer != nil {
		produced, err := c.URLProducer()
		if err != nil {
			return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseNoStatus, Reason: err.Error()})
		}
		urlStr = produced
	}

	conn, _, err := c.Dialer.Dial(urlStr, http.Header{"Sec-WebSocket-Protocol": []string{Subprotocol}})
	if err != nil {
		return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseNoStatus, Reason: err.Error()})
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseProtocolError, Reason: `server does not speak graphql-transport-ws`, WasClean: true})
	}

	params := c.ConnectionParams
	if c.ConnectionParamsProducer != nil {
		produced, perr := c.ConnectionParamsProducer()
		if perr != nil {
			c.closeConn(conn, gqlwserror.CloseBadRequest, perr.Error())
			return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseBadRequest, Reason: perr.Error(), WasClean: true})
		}
		params = produced
	}

	c.lock.Lock()
	if c.state == stateDisposed {
		c.lock.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.quiet = false
	c.lock.Unlock()

	if err := c.write(&gqlwsmessage.Message{Type: gqlwsmessage.ConnectionInit, Payload: params}); err != nil {
		conn.Close()
		return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseNoStatus, Reason: err.Error()})
	}

	// handshake: nothing but ack, ping and pong is legal here
	conn.SetReadDeadline(time.Now().Add(c.ConnectionAckTimeout))
	for {
		msg, ev, quiet := c.read(conn)
		if msg == nil {
			if quiet {
				return nil
			}
			return ev
		}
		c.events.emitMessage(msg)
		if msg.Type == gqlwsmessage.Ping {
			_ = c.write(&gqlwsmessage.Message{Type: gqlwsmessage.Pong})
			continue
		}
		if msg.Type == gqlwsmessage.Pong {
			continue
		}
		if msg.Type != gqlwsmessage.ConnectionAck {
			reason := `first message must be connection_ack`
			c.closeConn(conn, gqlwserror.CloseBadRequest, reason)
			return c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseBadRequest, Reason: reason, WasClean: true})
		}
		conn.SetReadDeadline(time.Time{})
		c.lock.Lock()
		c.state = stateAcknowledged
		c.retries = 0
		c.lock.Unlock()
		c.events.emitConnected(conn, msg.Payload)
		break
	}

	// replay registered subscribers in registration order with their
	// original ids
	for _, sub := range c.sm.ordered() {
		c.lock.Lock()
		if sub.done || sub.sent {
			c.lock.Unlock()
			continue
		}
		sub.sent = true
		id := sub.id
		payload := sub.payload
		c.lock.Unlock()
		if err := c.write(&gqlwsmessage.Message{Type: gqlwsmessage.Subscribe, ID: &id, Payload: payload}); err != nil {
			break
		}
	}
	c.maybeIdle()

	// pump
	for {
		msg, ev, quiet := c.read(conn)
		if msg == nil {
			if quiet {
				return nil
			}
			return ev
		}
		c.events.emitMessage(msg)
		c.handleResponse(msg)
	}
}

// read fetches and decodes the next frame. A nil message means the socket is
// gone: quiet reports a deliberate closure, otherwise the close event is
// returned. Grammar violations close the socket with 4400.
func (c *Client) read(conn *websocket.Conn) (*gqlwsmessage.Message, *gqlwserror.CloseEvent, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		c.lock.Lock()
		quiet := c.quiet
		c.lock.Unlock()
		conn.Close()
		if quiet {
			c.events.emitClosed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseNormal, Reason: `normal closure`, WasClean: true})
			return nil, nil, true
		}
		ev := &gqlwserror.CloseEvent{Code: gqlwserror.CloseNoStatus, Reason: err.Error()}
		if ce, ok := err.(*websocket.CloseError); ok {
			ev = &gqlwserror.CloseEvent{Code: ce.Code, Reason: ce.Text, WasClean: true}
		}
		return nil, c.closed(ev), false
	}
	msg, err := gqlwsmessage.Parse(data)
	if err != nil {
		c.closeConn(conn, gqlwserror.CloseBadRequest, err.Error())
		return nil, c.closed(&gqlwserror.CloseEvent{Code: gqlwserror.CloseBadRequest, Reason: err.Error(), WasClean: true}), false
	}
	return msg, nil, false
}

// handleResponse routes a data-phase frame to its subscriber. Frames for
// unknown or finished ids are dropped.
func (c *Client) handleResponse(msg *gqlwsmessage.Message) {
	switch msg.Type {
	case gqlwsmessage.Ping:
		_ = c.write(&gqlwsmessage.Message{Type: gqlwsmessage.Pong})
	case gqlwsmessage.Pong, gqlwsmessage.ConnectionAck:
	case gqlwsmessage.Next:
		c.lock.Lock()
		sub := c.sm.get(*msg.ID)
		if sub == nil || sub.done {
			c.lock.Unlock()
			c.Logger.WithField(`id`, *msg.ID).Debug(`dropping next for inactive subscription`)
			return
		}
		sink := sub.sink
		c.lock.Unlock()
		sink.OnNext(msg.Payload.(*graphql.Result))
	case gqlwsmessage.Error:
		sub := c.finish(*msg.ID)
		if sub == nil {
			return
		}
		sub.sink.OnError(&SubscriptionError{Errors: msg.Payload.(gqlerrors.FormattedErrors)})
		c.maybeIdle()
	case gqlwsmessage.Complete:
		sub := c.finish(*msg.ID)
		if sub == nil {
			return
		}
		sub.sink.OnComplete()
		c.maybeIdle()
	}
}

// finish removes a subscriber for terminal delivery, or reports nil if it is
// already gone.
func (c *Client) finish(id string) *subscriber {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub := c.sm.get(id)
	if sub == nil || sub.done {
		return nil
	}
	sub.done = true
	c.sm.del(id)
	return sub
}

// maybeIdle arms the keep-alive timer once the last subscriber is gone in
// lazy mode. At expiry the socket closes cleanly.
func (c *Client) maybeIdle() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.Eager || c.state != stateAcknowledged || c.conn == nil || c.sm.count() > 0 {
		return
	}
	if c.keepAlive != nil {
		c.keepAlive.Stop()
	}
	if c.KeepAlive <= 0 {
		go c.idleClose()
		return
	}
	c.keepAlive = time.AfterFunc(c.KeepAlive, c.idleClose)
}

func (c *Client) idleClose() {
	c.lock.Lock()
	if c.state != stateAcknowledged || c.conn == nil || c.sm.count() > 0 {
		c.lock.Unlock()
		return
	}
	conn := c.conn
	c.quiet = true
	c.lock.Unlock()
	c.closeConn(conn, gqlwserror.CloseNormal, `normal closure`)
}

func (c *Client) write(msg *gqlwsmessage.Message) error {
	data, err := gqlwsmessage.Encode(msg)
	if err != nil {
		return err
	}
	c.wlock.Lock()
	defer c.wlock.Unlock()
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return errors.New(`not connected`)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeConn performs the closing handshake and drops the socket.
func (c *Client) closeConn(conn *websocket.Conn, code int, reason string) {
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.GraceClosePeriod)); err == nil {
		time.Sleep(c.GraceClosePeriod)
	}
	conn.Close()
}

// closed emits the closed event and hands the event back for classification.
func (c *Client) closed(ev *gqlwserror.CloseEvent) *gqlwserror.CloseEvent {
	c.events.emitClosed(ev)
	return ev
}
