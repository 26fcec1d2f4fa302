package gqlwsclient

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Dialer is the socket capability the client connects through. Satisfied by
// *websocket.Dialer.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	// URL is the target endpoint. URLProducer takes precedence when set and
	// is re-evaluated on every connection attempt.
	URL         string
	URLProducer func() (string, error)

	// ConnectionParams is sent with ConnectionInit.
	// ConnectionParamsProducer takes precedence when set; a producer error
	// closes the socket with 4400 and the error text as the reason.
	ConnectionParams         interface{}
	ConnectionParamsProducer func() (interface{}, error)

	// Eager connects at construction instead of on the first subscribe.
	// The default is lazy: a socket exists only while subscribers do.
	Eager bool

	// KeepAlive is how long the socket lingers after the last subscriber
	// unsubscribes in lazy mode. Zero closes it immediately.
	KeepAlive time.Duration

	// RetryAttempts is the maximum number of reconnects after an abnormal
	// close. Defaults to 5; negative retries forever. DisableRetry turns
	// reconnection off regardless.
	RetryAttempts int
	DisableRetry  bool

	// RetryWait yields the delay before reconnect attempt n, starting at 1.
	// Defaults to a jittered exponential backoff driven by Rand.
	RetryWait func(attempt int) time.Duration
	// Rand seeds the default backoff jitter. Inject a fixed source in tests.
	Rand *rand.Rand

	// GenerateID produces fresh operation ids. Defaults to uuid.
	GenerateID func() string

	// On holds the statically registered event listeners.
	On Events

	// Dialer defaults to websocket.DefaultDialer.
	Dialer Dialer

	Logger logrus.FieldLogger

	ConnectionAckTimeout time.Duration
	GraceClosePeriod     time.Duration
}

func (c *Config) init() {
	if c.URLProducer == nil {
		if u, err := url.Parse(c.URL); err != nil {
			panic(err)
		} else {
			if !strings.HasPrefix(u.Scheme, "ws") {
				panic(errors.New(`gql-ws must be configured to a websocket endpoint`))
			}
		}
	}
	if c.ConnectionAckTimeout <= 0 {
		c.ConnectionAckTimeout = time.Second * 30
	}
	if c.GraceClosePeriod <= 0 {
		c.GraceClosePeriod = time.Second * 5
	}
	if c.DisableRetry {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = 5
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.RetryWait == nil {
		c.RetryWait = defaultRetryWait(c.Rand)
	}
	if c.GenerateID == nil {
		c.GenerateID = uuid.NewString
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}
