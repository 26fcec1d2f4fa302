package gqlwsclient_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gqlwsclient "github.com/calluna-io/gql-ws/client"
	gqlwserror "github.com/calluna-io/gql-ws/error"
	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	gqlwsserver "github.com/calluna-io/gql-ws/server"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	grace      = time.Millisecond * 20
	ackTimeout = time.Millisecond * 500
)

func newTestSchema(t *testing.T) *graphql.Schema {
	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: `Query`,
			Fields: graphql.Fields{
				"q": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return `hi`, nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: `Subscription`,
			Fields: graphql.Fields{
				"s": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return p.Source, nil
					},
					Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
						res := make(chan interface{})
						stop := gqlwsserver.GetSubscriptionStopSig(p.Context)
						go func() {
							ticker := time.NewTicker(time.Millisecond * 5)
							defer ticker.Stop()
							for {
								select {
								case <-p.Context.Done():
									close(res)
									return
								case <-stop:
									close(res)
									return
								case <-ticker.C:
									res <- `hi`
								}
							}
						}()
						return res, nil
					},
				},
			},
		}),
	})
	require.NoError(t, err)
	return &schema
}

// newServer runs the real server package behind gin, the way embedders do.
func newServer(t *testing.T, mutate func(cfg *gqlwsserver.Config)) string {
	gin.SetMode(gin.TestMode)
	eng := gin.New()
	eng.GET("", func(c *gin.Context) {
		cfg := &gqlwsserver.Config{
			Response:         c.Writer,
			Request:          c.Request,
			Schema:           newTestSchema(t),
			GraceClosePeriod: grace,
		}
		if mutate != nil {
			mutate(cfg)
		}
		sock := gqlwsserver.NewSocket(cfg)
		sock.Wait()
	})
	srv := httptest.NewServer(eng)
	t.Cleanup(srv.Close)
	return wsURL(t, srv.URL)
}

// rawServer speaks the protocol by hand so tests can misbehave on purpose.
func rawServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{gqlwsclient.Subprotocol},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return wsURL(t, srv.URL)
}

func wsURL(t *testing.T, httpURL string) string {
	u, err := url.Parse(httpURL)
	require.NoError(t, err)
	u.Scheme = `ws`
	return u.String()
}

func newClient(t *testing.T, cfg *gqlwsclient.Config) *gqlwsclient.Client {
	if cfg.GraceClosePeriod == 0 {
		cfg.GraceClosePeriod = grace
	}
	if cfg.ConnectionAckTimeout == 0 {
		cfg.ConnectionAckTimeout = ackTimeout
	}
	client := gqlwsclient.NewClient(cfg)
	t.Cleanup(client.Close)
	return client
}

// ack performs the server side of the handshake on a raw connection.
func ack(t *testing.T, conn *websocket.Conn) {
	var msg gqlwsmessage.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, gqlwsmessage.ConnectionInit, msg.Type)
	require.NoError(t, conn.WriteJSON(&gqlwsmessage.Message{Type: gqlwsmessage.ConnectionAck}))
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	time.Sleep(time.Millisecond * 10)
	conn.Close()
}

func TestQueryRoundTrip(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{URL: u})
	var lock sync.Mutex
	var trace []string
	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnNext: func(res *graphql.Result) {
			lock.Lock()
			trace = append(trace, `next:`+res.Data.(map[string]interface{})[`q`].(string))
			lock.Unlock()
		},
		OnComplete: func() {
			lock.Lock()
			trace = append(trace, `complete`)
			lock.Unlock()
			close(done)
		},
		OnError: func(err error) {
			t.Error(err)
			close(done)
		},
	})
	<-done
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []string{`next:hi`, `complete`}, trace)
}

func TestSubscriptionStream(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{URL: u})
	res := make(chan string)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{
		OnNext: func(r *graphql.Result) { res <- r.Data.(map[string]interface{})[`s`].(string) },
		OnError: func(err error) {
			t.Error(err)
			close(res)
		},
	})
	for i := 0; i < 5; i++ {
		v, ok := <-res
		require.True(t, ok)
		assert.Equal(t, `hi`, v)
	}
}

func TestDisposeMidStream(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{URL: u, KeepAlive: time.Second})
	var nexts, terminals int32
	got := make(chan interface{}, 64)
	dispose := client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{
		OnNext: func(r *graphql.Result) {
			atomic.AddInt32(&nexts, 1)
			got <- nil
		},
		OnComplete: func() { atomic.AddInt32(&terminals, 1) },
		OnError:    func(err error) { atomic.AddInt32(&terminals, 1) },
	})
	<-got
	<-got
	dispose()
	time.Sleep(time.Millisecond * 50)
	seen := atomic.LoadInt32(&nexts)
	time.Sleep(time.Millisecond * 100)
	// frames that race past the dispose are dropped, and no terminal fires
	assert.Equal(t, seen, atomic.LoadInt32(&nexts))
	assert.Equal(t, int32(0), atomic.LoadInt32(&terminals))
}

func TestDemux(t *testing.T) {
	type delivery struct {
		sub  string
		data string
	}
	ids := make(chan string, 2)
	u := rawServer(t, func(conn *websocket.Conn) {
		ack(t, conn)
		subs := map[string]string{}
		for len(subs) < 2 {
			var msg gqlwsmessage.Message
			require.NoError(t, conn.ReadJSON(&msg))
			require.Equal(t, gqlwsmessage.Subscribe, msg.Type)
			query := msg.Payload.(map[string]interface{})[`query`].(string)
			if strings.Contains(query, `key:"1"`) {
				subs[`a`] = *msg.ID
			} else {
				subs[`b`] = *msg.ID
			}
		}
		for _, key := range []string{`a`, `b`} {
			id := subs[key]
			require.NoError(t, conn.WriteJSON(map[string]interface{}{
				`type`: `next`, `id`: id,
				`payload`: map[string]interface{}{`data`: map[string]interface{}{`ping`: `pong-` + key}},
			}))
		}
		ids <- subs[`a`]
		ids <- subs[`b`]
		var msg gqlwsmessage.Message
		conn.ReadJSON(&msg)
	})
	client := newClient(t, &gqlwsclient.Config{URL: u})
	deliveries := make(chan delivery, 4)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{ping(key:"1")}`}, gqlwsclient.Handlers{
		OnNext: func(r *graphql.Result) {
			deliveries <- delivery{`a`, r.Data.(map[string]interface{})[`ping`].(string)}
		},
	})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{ping(key:"2")}`}, gqlwsclient.Handlers{
		OnNext: func(r *graphql.Result) {
			deliveries <- delivery{`b`, r.Data.(map[string]interface{})[`ping`].(string)}
		},
	})
	first := <-deliveries
	second := <-deliveries
	assert.Equal(t, delivery{`a`, `pong-a`}, first)
	assert.Equal(t, delivery{`b`, `pong-b`}, second)
}

func TestOnConnectRejection(t *testing.T) {
	var attempts int32
	u := newServer(t, func(cfg *gqlwsserver.Config) {
		atomic.AddInt32(&attempts, 1)
		cfg.OnConnect = func(msg *gqlwsmessage.Message) (gqlwsmessage.Payload, error) {
			return nil, assert.AnError
		}
	})
	client := newClient(t, &gqlwsclient.Config{URL: u})
	errs := make(chan error, 1)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnError: func(err error) { errs <- err },
		OnNext:  func(*graphql.Result) { t.Error(`unexpected next`) },
	})
	err := <-errs
	ev, ok := err.(*gqlwserror.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, 4400, ev.Code)
	assert.Equal(t, assert.AnError.Error(), ev.Reason)
	assert.True(t, ev.WasClean)
	time.Sleep(time.Millisecond * 100)
	// terminal close codes do not retry
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRetryExhaustion(t *testing.T) {
	var conns int32
	u := rawServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		// never acknowledge, so the retry counter keeps climbing
		var msg gqlwsmessage.Message
		conn.ReadJSON(&msg) // the init
		closeWith(conn, 4500, `oops`)
	})
	client := newClient(t, &gqlwsclient.Config{
		URL:           u,
		RetryAttempts: 1,
		RetryWait:     func(int) time.Duration { return time.Millisecond * 5 },
	})
	errs := make(chan error, 1)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{
		OnError: func(err error) { errs <- err },
		OnNext:  func(*graphql.Result) { t.Error(`unexpected next`) },
	})
	err := <-errs
	ev, ok := err.(*gqlwserror.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, 4500, ev.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&conns))
}

func TestReconnectReplaysOriginalID(t *testing.T) {
	ids := make(chan string, 2)
	var conns int32
	u := rawServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		ack(t, conn)
		var msg gqlwsmessage.Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, gqlwsmessage.Subscribe, msg.Type)
		ids <- *msg.ID
		if n == 1 {
			closeWith(conn, 4500, `oops`)
			return
		}
		require.NoError(t, conn.WriteJSON(map[string]interface{}{`type`: `complete`, `id`: *msg.ID}))
		conn.ReadJSON(&msg)
	})
	client := newClient(t, &gqlwsclient.Config{
		URL:       u,
		RetryWait: func(int) time.Duration { return time.Millisecond * 5 },
	})
	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{
		OnComplete: func() { close(done) },
		OnError:    func(err error) { t.Error(err) },
	})
	first := <-ids
	second := <-ids
	assert.Equal(t, first, second)
	<-done
}

func TestLazyConnect(t *testing.T) {
	var conns int32
	u := rawServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		ack(t, conn)
		var msg gqlwsmessage.Message
		conn.ReadJSON(&msg) // the subscribe
		conn.ReadJSON(&msg) // block until the client goes away
	})
	client := newClient(t, &gqlwsclient.Config{URL: u})
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, int32(0), atomic.LoadInt32(&conns))
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{})
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&conns) == 1 }, time.Second, time.Millisecond*10)
}

func TestEagerConnect(t *testing.T) {
	u := newServer(t, nil)
	connected := make(chan interface{})
	newClient(t, &gqlwsclient.Config{
		URL:   u,
		Eager: true,
		On: gqlwsclient.Events{
			Connected: func(conn *websocket.Conn, ack gqlwsmessage.Payload) { close(connected) },
		},
	})
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal(`expected an eager connection`)
	}
}

func TestKeepAlive(t *testing.T) {
	keepAlive := time.Millisecond * 100
	u := newServer(t, nil)
	closed := make(chan time.Time, 1)
	client := newClient(t, &gqlwsclient.Config{
		URL:       u,
		KeepAlive: keepAlive,
		On: gqlwsclient.Events{
			Closed: func(ev *gqlwserror.CloseEvent) { closed <- time.Now() },
		},
	})
	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnComplete: func() { close(done) },
		OnError:    func(err error) { t.Error(err) },
	})
	<-done
	start := time.Now()
	select {
	case at := <-closed:
		assert.GreaterOrEqual(t, at.Sub(start), keepAlive/2)
	case <-time.After(time.Second):
		t.Fatal(`socket never closed after keep-alive expiry`)
	}
	// the client is idle, not disposed; a new subscribe reconnects
	again := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnComplete: func() { close(again) },
		OnError:    func(err error) { t.Error(err) },
	})
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal(`expected a reconnect after idling`)
	}
}

func TestFrameBeforeAck(t *testing.T) {
	u := rawServer(t, func(conn *websocket.Conn) {
		var msg gqlwsmessage.Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			`type`: `next`, `id`: `rogue`,
			`payload`: map[string]interface{}{`data`: nil},
		}))
		conn.ReadJSON(&msg)
	})
	client := newClient(t, &gqlwsclient.Config{URL: u, DisableRetry: true})
	errs := make(chan error, 1)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnError: func(err error) { errs <- err },
	})
	err := <-errs
	ev, ok := err.(*gqlwserror.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, 4400, ev.Code)
}

func TestEventOrdering(t *testing.T) {
	u := newServer(t, nil)
	var lock sync.Mutex
	var order []string
	record := func(name string) {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, name)
	}
	done := make(chan interface{})
	client := newClient(t, &gqlwsclient.Config{
		URL: u,
		On: gqlwsclient.Events{
			Connecting: func() { record(`connecting`) },
			Connected:  func(*websocket.Conn, gqlwsmessage.Payload) { record(`connected`) },
		},
	})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnNext:     func(*graphql.Result) { record(`next`) },
		OnComplete: func() { record(`complete`); close(done) },
		OnError:    func(err error) { t.Error(err); close(done) },
	})
	<-done
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []string{`connecting`, `connected`, `next`, `complete`}, order)
}

func TestCloseCompletesSubscribers(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{URL: u})
	started := make(chan interface{}, 8)
	completed := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{s}`}, gqlwsclient.Handlers{
		OnNext:     func(*graphql.Result) { started <- nil },
		OnComplete: func() { close(completed) },
		OnError:    func(err error) { t.Error(err) },
	})
	<-started
	client.Close()
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal(`expected complete on client dispose`)
	}
	// a disposed client refuses new subscribers
	errs := make(chan error, 1)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnError: func(err error) { errs <- err },
	})
	assert.Error(t, <-errs)
}

func TestConnectionParamsProducerFailure(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{
		URL: u,
		ConnectionParamsProducer: func() (interface{}, error) {
			return nil, assert.AnError
		},
	})
	errs := make(chan error, 1)
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnError: func(err error) { errs <- err },
	})
	err := <-errs
	ev, ok := err.(*gqlwserror.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, 4400, ev.Code)
	assert.Equal(t, assert.AnError.Error(), ev.Reason)
}

func TestConnectionParamsReachOnConnectAndAckReachesListener(t *testing.T) {
	params := make(chan interface{}, 1)
	u := newServer(t, func(cfg *gqlwsserver.Config) {
		cfg.OnConnect = func(msg *gqlwsmessage.Message) (gqlwsmessage.Payload, error) {
			params <- msg.Payload
			return map[string]interface{}{"welcome": true}, nil
		}
	})
	acked := make(chan gqlwsmessage.Payload, 1)
	client := newClient(t, &gqlwsclient.Config{
		URL:              u,
		ConnectionParams: map[string]interface{}{"token": "secret"},
		On: gqlwsclient.Events{
			Connected: func(conn *websocket.Conn, ack gqlwsmessage.Payload) { acked <- ack },
		},
	})
	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnComplete: func() { close(done) },
		OnError:    func(err error) { t.Error(err); close(done) },
	})
	<-done
	sent := (<-params).(map[string]interface{})
	assert.Equal(t, `secret`, sent[`token`])
	ackPayload := (<-acked).(map[string]interface{})
	assert.Equal(t, true, ackPayload[`welcome`])
}

func TestRuntimeListeners(t *testing.T) {
	u := newServer(t, nil)
	client := newClient(t, &gqlwsclient.Config{URL: u})
	messages := make(chan gqlwsmessage.Type, 16)
	off := client.OnMessage(func(msg *gqlwsmessage.Message) { messages <- msg.Type })
	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{q}`}, gqlwsclient.Handlers{
		OnComplete: func() { close(done) },
		OnError:    func(err error) { t.Error(err); close(done) },
	})
	<-done
	assert.Equal(t, gqlwsmessage.ConnectionAck, <-messages)
	off()
}
