package gqlwsclient

import (
	"sync"

	gqlwserror "github.com/calluna-io/gql-ws/error"
	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/gorilla/websocket"
)

// Events holds the listeners registered at construction time. Listeners fire
// synchronously with the state transition that caused them, after internal
// bookkeeping. More can be added at runtime with the client's On* methods.
type Events struct {
	// Connecting fires before each connection attempt, including retries.
	Connecting func()
	// Connected fires once the server acknowledges the connection.
	Connected func(conn *websocket.Conn, ack gqlwsmessage.Payload)
	// Closed fires whenever the socket goes away, deliberately or not.
	Closed func(ev *gqlwserror.CloseEvent)
	// Message fires for every inbound frame.
	Message func(msg *gqlwsmessage.Message)
}

type events struct {
	lock   sync.Mutex
	nextID int

	connecting map[int]func()
	connected  map[int]func(*websocket.Conn, gqlwsmessage.Payload)
	closed     map[int]func(*gqlwserror.CloseEvent)
	message    map[int]func(*gqlwsmessage.Message)
}

func newEvents(static Events) *events {
	var e events
	e.connecting = make(map[int]func())
	e.connected = make(map[int]func(*websocket.Conn, gqlwsmessage.Payload))
	e.closed = make(map[int]func(*gqlwserror.CloseEvent))
	e.message = make(map[int]func(*gqlwsmessage.Message))
	if static.Connecting != nil {
		e.connecting[e.id()] = static.Connecting
	}
	if static.Connected != nil {
		e.connected[e.id()] = static.Connected
	}
	if static.Closed != nil {
		e.closed[e.id()] = static.Closed
	}
	if static.Message != nil {
		e.message[e.id()] = static.Message
	}
	return &e
}

func (e *events) id() int {
	e.nextID++
	return e.nextID
}

func (e *events) emitConnecting() {
	e.lock.Lock()
	listeners := make([]func(), 0, len(e.connecting))
	for _, fn := range e.connecting {
		listeners = append(listeners, fn)
	}
	e.lock.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (e *events) emitConnected(conn *websocket.Conn, ack gqlwsmessage.Payload) {
	e.lock.Lock()
	listeners := make([]func(*websocket.Conn, gqlwsmessage.Payload), 0, len(e.connected))
	for _, fn := range e.connected {
		listeners = append(listeners, fn)
	}
	e.lock.Unlock()
	for _, fn := range listeners {
		fn(conn, ack)
	}
}

func (e *events) emitClosed(ev *gqlwserror.CloseEvent) {
	e.lock.Lock()
	listeners := make([]func(*gqlwserror.CloseEvent), 0, len(e.closed))
	for _, fn := range e.closed {
		listeners = append(listeners, fn)
	}
	e.lock.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (e *events) emitMessage(msg *gqlwsmessage.Message) {
	e.lock.Lock()
	listeners := make([]func(*gqlwsmessage.Message), 0, len(e.message))
	for _, fn := range e.message {
		listeners = append(listeners, fn)
	}
	e.lock.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

// OnConnecting registers a runtime listener. The returned function removes
// it.
func (c *Client) OnConnecting(fn func()) func() {
	c.events.lock.Lock()
	defer c.events.lock.Unlock()
	id := c.events.id()
	c.events.connecting[id] = fn
	return func() {
		c.events.lock.Lock()
		defer c.events.lock.Unlock()
		delete(c.events.connecting, id)
	}
}

func (c *Client) OnConnected(fn func(*websocket.Conn, gqlwsmessage.Payload)) func() {
	c.events.lock.Lock()
	defer c.events.lock.Unlock()
	id := c.events.id()
	c.events.connected[id] = fn
	return func() {
		c.events.lock.Lock()
		defer c.events.lock.Unlock()
		delete(c.events.connected, id)
	}
}

func (c *Client) OnClosed(fn func(*gqlwserror.CloseEvent)) func() {
	c.events.lock.Lock()
	defer c.events.lock.Unlock()
	id := c.events.id()
	c.events.closed[id] = fn
	return func() {
		c.events.lock.Lock()
		defer c.events.lock.Unlock()
		delete(c.events.closed, id)
	}
}

func (c *Client) OnMessage(fn func(*gqlwsmessage.Message)) func() {
	c.events.lock.Lock()
	defer c.events.lock.Unlock()
	id := c.events.id()
	c.events.message[id] = fn
	return func() {
		c.events.lock.Lock()
		defer c.events.lock.Unlock()
		delete(c.events.message, id)
	}
}
