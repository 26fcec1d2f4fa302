package gqlwsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/sirupsen/logrus"
)

// ErrForbidden may be returned from OnConnect to refuse the connection with
// close code 4403. Any other error closes with 4400 and the error text as the
// reason.
var ErrForbidden = errors.New(`forbidden`)

type Config struct {
	Response http.ResponseWriter
	Request  *http.Request
	Schema   *graphql.Schema

	// Engine executes operations. Defaults to graphql-go over Schema.
	Engine Engine

	Logger logrus.FieldLogger

	GraceClosePeriod, ConnectionInitTimeout time.Duration

	// OnConnect is called on a valid ConnectionInit message. The returned
	// payload, if any, is sent with the ConnectionAck.
	OnConnect func(*gqlwsmessage.Message) (gqlwsmessage.Payload, error)
	// OnSubscribe may return ready execution params for a subscribe message,
	// bypassing the default query parsing. Returning an error terminates the
	// operation with an error message instead of executing it.
	OnSubscribe func(*gqlwsmessage.Message, *gqlwsmessage.SubscribePayload) (*graphql.Params, error)
	// OnOperation may transform the result of a single-shot operation before
	// it is sent.
	OnOperation func(*gqlwsmessage.Message, *graphql.Params, *graphql.Result) *graphql.Result
	// OnNext may transform each result before it is sent.
	OnNext     func(*gqlwsmessage.Message, *graphql.Result) *graphql.Result
	OnError    func(id string, errs gqlerrors.FormattedErrors)
	OnComplete func(id string)
	OnPing     func(*gqlwsmessage.Message) gqlwsmessage.Payload
	OnPong     func(*gqlwsmessage.Message)
	// OnClose is called once after the socket is torn down.
	OnClose func(code int, reason string)

	// Context is passed to resolvers. can be used to pass context-related values
	Context context.Context
}

func (c *Config) init() {
	if c.GraceClosePeriod <= 0 {
		c.GraceClosePeriod = time.Second * 5
	}
	if c.ConnectionInitTimeout <= 0 {
		c.ConnectionInitTimeout = time.Second * 30
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Engine == nil {
		c.Engine = graphqlEngine{}
	}
	if c.Response == nil ||
		c.Request == nil ||
		c.Schema == nil {
		panic(errors.New(`gql-ws socket received invalid parameters`))
	}
}
