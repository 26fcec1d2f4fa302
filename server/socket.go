package gqlwsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gqlwserror "github.com/calluna-io/gql-ws/error"
	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	goutils "github.com/onichandame/go-utils"
	pkgerrors "github.com/pkg/errors"
)

const Subprotocol = `graphql-transport-ws`

type Socket struct {
	*Config

	reader, writer chan *gqlwsmessage.Message
	breaker        chan error
	done           chan interface{}
	inited         int32
	err            error
	// the connection parameters negotiated on ConnectionInit
	// will inject into every graphql resolver. can be retrieved by GetConnectionParams
	connectionParams ConnectionParams

	ctx    context.Context
	cancel context.CancelFunc

	sm *subMan
}

// NewSocket upgrades the request and starts the per-connection event loops.
// Panics if the upgrade fails or the client does not negotiate the
// graphql-transport-ws subprotocol.
func NewSocket(cfg *Config) *Socket {
	var sock Socket
	cfg.init()
	sock.Config = cfg
	sock.reader = make(chan *gqlwsmessage.Message)
	sock.writer = make(chan *gqlwsmessage.Message)
	sock.breaker = make(chan error)
	sock.done = make(chan interface{})
	sock.sm = newSubMan()
	sock.ctx, sock.cancel = context.WithCancel(cfg.Context)
	sock.listen()
	return &sock
}

func (sock *Socket) Close() {
	sock.trip(nil)
}

// Wait blocks until the socket is torn down.
func (sock *Socket) Wait() {
	<-sock.done
}

func (sock *Socket) Error() error { return sock.err }

func (sock *Socket) listen() {
	conn := sock.getConn()

	// cleanup
	go func() {
		err := <-sock.breaker
		sock.err = err
		code := gqlwserror.CloseNormal
		reason := ``
		var fatal *gqlwserror.FatalError
		if errors.As(err, &fatal) {
			code, reason = fatal.Code(), fatal.Reason()
		} else if err != nil {
			code, reason = gqlwserror.CloseBadRequest, err.Error()
		}
		sock.cancel()
		sock.sm.drain()
		if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(sock.GraceClosePeriod)); err == nil {
			time.Sleep(sock.GraceClosePeriod)
		}
		close(sock.done)
		conn.Close()
		if sock.OnClose != nil {
			sock.OnClose(code, reason)
		}
	}()
	// reader
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if _, ok := err.(*websocket.CloseError); !ok {
					select {
					case <-sock.done:
					default:
						sock.Logger.WithField(`error`, err.Error()).Debug(`websocket read error`)
					}
				}
				sock.trip(nil)
				return
			}
			msg, err := gqlwsmessage.Parse(data)
			if err != nil {
				sock.trip(gqlwserror.NewFatalError(gqlwserror.CloseBadRequest, err.Error()))
				return
			}
			select {
			case sock.reader <- msg:
			case <-sock.done:
				return
			}
		}
	}()
	// writer
	go func() {
		for {
			select {
			case msg := <-sock.writer:
				data, err := gqlwsmessage.Encode(msg)
				if err != nil {
					sock.Logger.Error(pkgerrors.Wrap(err, `unable to marshal message`))
					sock.trip(gqlwserror.NewFatalError(gqlwserror.CloseInternalServerError, `internal error`))
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					sock.trip(err)
					return
				}
			case <-sock.done:
				return
			}
		}
	}()
	// init timeout
	go func() {
		select {
		case <-time.After(sock.ConnectionInitTimeout):
			if atomic.LoadInt32(&sock.inited) == 0 {
				sock.trip(gqlwserror.NewFatalError(gqlwserror.CloseInitTimeout, `Connection initialisation timeout`))
			}
		case <-sock.done:
		}
	}()
	// listener
	go func() {
		for {
			select {
			case req := <-sock.reader:
				sock.handleRequest(req)
			case <-sock.done:
				return
			}
		}
	}()
}

func (sock *Socket) getConn() *websocket.Conn {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: time.Second * 5,
		Subprotocols:     []string{Subprotocol},
	}
	conn, err := upgrader.Upgrade(sock.Response, sock.Request, nil)
	goutils.Assert(err)
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		panic(errors.New(`subprotocol must be graphql-transport-ws`))
	}
	return conn
}

// send queues an outbound message unless the socket is already torn down.
func (sock *Socket) send(msg *gqlwsmessage.Message) {
	select {
	case sock.writer <- msg:
	case <-sock.done:
	}
}

// trip begins teardown with the given error. The first call wins.
func (sock *Socket) trip(err error) {
	select {
	case sock.breaker <- err:
	case <-sock.done:
	}
}

// handleRequest runs on the listener goroutine so inbound messages are
// handled in arrival order. Operations are spun off after registration.
func (sock *Socket) handleRequest(msg *gqlwsmessage.Message) {
	var err error
	defer func() {
		if err != nil {
			var fatal *gqlwserror.FatalError
			if errors.As(err, &fatal) {
				sock.trip(fatal)
			} else {
				// a hook gave up; surface its message as the close reason
				sock.trip(gqlwserror.NewFatalError(gqlwserror.CloseBadRequest, err.Error()))
			}
		}
	}()
	defer goutils.RecoverToErr(&err)
	switch msg.Type {
	case gqlwsmessage.ConnectionInit:
		if !atomic.CompareAndSwapInt32(&sock.inited, 0, 1) {
			panic(gqlwserror.NewFatalError(gqlwserror.CloseTooManyInit, `Too many initialisation requests`))
		}
		sock.connectionParams = msg.Payload
		var payload gqlwsmessage.Payload
		if sock.OnConnect != nil {
			ack, cerr := sock.OnConnect(msg)
			if cerr != nil {
				if errors.Is(cerr, ErrForbidden) {
					panic(gqlwserror.NewFatalError(gqlwserror.CloseForbidden, `Forbidden`))
				}
				panic(gqlwserror.NewFatalError(gqlwserror.CloseBadRequest, cerr.Error()))
			}
			payload = ack
		}
		sock.send(&gqlwsmessage.Message{Type: gqlwsmessage.ConnectionAck, Payload: payload})
	case gqlwsmessage.Ping:
		var payload gqlwsmessage.Payload
		if sock.OnPing != nil {
			payload = sock.OnPing(msg)
		}
		sock.send(&gqlwsmessage.Message{Type: gqlwsmessage.Pong, Payload: payload})
	case gqlwsmessage.Pong:
		if sock.OnPong != nil {
			sock.OnPong(msg)
		}
	case gqlwsmessage.Subscribe:
		if atomic.LoadInt32(&sock.inited) == 0 {
			panic(gqlwserror.NewFatalError(gqlwserror.CloseUnauthorized, `Unauthorized`))
		}
		payload := msg.Payload.(*gqlwsmessage.SubscribePayload)
		stop, ok := sock.sm.add(*msg.ID)
		if !ok {
			panic(gqlwserror.NewFatalError(gqlwserror.CloseSubscriberExists, fmt.Sprintf(`Subscriber for %v already exists`, *msg.ID)))
		}
		go sock.runOperation(msg, payload, stop)
	case gqlwsmessage.Complete:
		if atomic.LoadInt32(&sock.inited) == 0 {
			panic(gqlwserror.NewFatalError(gqlwserror.CloseUnauthorized, `Unauthorized`))
		}
		// the client may race with server-side completion; unknown ids are fine
		sock.sm.del(*msg.ID)
	default:
		panic(gqlwserror.NewFatalError(gqlwserror.CloseBadRequest, fmt.Sprintf(`message type %v not allowed from client`, msg.Type)))
	}
}

// runOperation drives a single operation until it ends, is completed by the
// client, or the socket goes away.
func (sock *Socket) runOperation(msg *gqlwsmessage.Message, query *gqlwsmessage.SubscribePayload, stop chan interface{}) {
	id := *msg.ID
	var err error
	defer sock.sm.del(id)
	defer func() {
		if err != nil {
			var handlable *gqlwserror.HandlableError
			var fatal *gqlwserror.FatalError
			switch {
			case errors.As(err, &handlable):
				sock.sendError(msg, gqlerrors.FormattedErrors(gqlerrors.FormatErrors(handlable)))
			case errors.As(err, &fatal):
				sock.trip(fatal)
			default:
				sock.trip(gqlwserror.NewFatalError(gqlwserror.CloseInternalServerError, err.Error()))
			}
		}
	}()
	defer goutils.RecoverToErr(&err)

	var params *graphql.Params
	if sock.OnSubscribe != nil {
		ready, herr := sock.OnSubscribe(msg, query)
		if herr != nil {
			sock.sendError(msg, gqlerrors.FormattedErrors(gqlerrors.FormatErrors(herr)))
			return
		}
		params = ready
	}
	if params == nil {
		params = sock.getGqlParams(query, stop)
	}

	if getOperationTypeOfReq(params.RequestString) == ast.OperationTypeSubscription {
		reschan := sock.Engine.Subscribe(params)
		first := true
		for {
			select {
			case res, ok := <-reschan:
				if !ok {
					sock.complete(msg)
					return
				}
				if first && failedToStart(res) {
					sock.sendError(msg, gqlerrors.FormattedErrors(res.Errors))
					return
				}
				first = false
				sock.next(msg, res)
			case <-stop:
				return
			}
		}
	}

	res := sock.Engine.Execute(params)
	if sock.OnOperation != nil {
		res = sock.OnOperation(msg, params, res)
	}
	if failedToStart(res) {
		sock.sendError(msg, gqlerrors.FormattedErrors(res.Errors))
		return
	}
	sock.next(msg, res)
	sock.complete(msg)
}

// failedToStart distinguishes validation and setup failures, which become an
// error message, from resolver errors, which travel inside next payloads.
func failedToStart(res *graphql.Result) bool {
	return res != nil && res.Data == nil && len(res.Errors) > 0
}

func (sock *Socket) next(msg *gqlwsmessage.Message, res *graphql.Result) {
	if !sock.sm.has(*msg.ID) {
		return
	}
	if sock.OnNext != nil {
		res = sock.OnNext(msg, res)
	}
	sock.send(&gqlwsmessage.Message{Type: gqlwsmessage.Next, ID: msg.ID, Payload: res})
}

func (sock *Socket) complete(msg *gqlwsmessage.Message) {
	if !sock.sm.has(*msg.ID) {
		return
	}
	sock.send(&gqlwsmessage.Message{Type: gqlwsmessage.Complete, ID: msg.ID})
	if sock.OnComplete != nil {
		sock.OnComplete(*msg.ID)
	}
}

func (sock *Socket) sendError(msg *gqlwsmessage.Message, errs gqlerrors.FormattedErrors) {
	if !sock.sm.has(*msg.ID) {
		return
	}
	sock.send(&gqlwsmessage.Message{Type: gqlwsmessage.Error, ID: msg.ID, Payload: errs})
	if sock.OnError != nil {
		sock.OnError(*msg.ID, errs)
	}
}

func (sock *Socket) getGqlParams(q *gqlwsmessage.SubscribePayload, stop chan interface{}) *graphql.Params {
	ctx := context.WithValue(sock.ctx, connParamsKey, sock.connectionParams)
	ctx = context.WithValue(ctx, subscriptionStopKey, stop)
	return &graphql.Params{
		Schema:         *sock.Schema,
		RequestString:  q.Query,
		VariableValues: q.Variables,
		OperationName:  q.OperationName,
		Context:        ctx,
	}
}
