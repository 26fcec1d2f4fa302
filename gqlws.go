// Package gqlws implements the graphql-transport-ws subprotocol: an
// arbitrary number of GraphQL operations multiplexed over a single
// WebSocket. The server side lives in the server package, the client side in
// the client package; this package holds the glue for plain net/http
// embedders.
package gqlws

import (
	"net/http"

	gqlwsserver "github.com/calluna-io/gql-ws/server"
	goutils "github.com/onichandame/go-utils"
)

// Subprotocol is the identifier negotiated during the WebSocket handshake.
const Subprotocol = gqlwsserver.Subprotocol

// Handler serves the subprotocol on every incoming request. The config
// producer is called per request; Response and Request are filled in before
// the socket is bound.
func Handler(config func(r *http.Request) *gqlwsserver.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := config(r)
		cfg.Response = w
		cfg.Request = r
		var sock *gqlwsserver.Socket
		if err := goutils.Try(func() { sock = gqlwsserver.NewSocket(cfg) }); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sock.Wait()
	}
}
