package gqlwsserver

import (
	"github.com/graphql-go/graphql"
)

// Engine is the execution capability a socket dispatches operations to.
// Execute runs queries and mutations, Subscribe runs subscriptions and
// returns a stream that must end when the params context is cancelled.
type Engine interface {
	Execute(params *graphql.Params) *graphql.Result
	Subscribe(params *graphql.Params) <-chan *graphql.Result
}

type graphqlEngine struct{}

func (graphqlEngine) Execute(params *graphql.Params) *graphql.Result {
	return graphql.Do(*params)
}

func (graphqlEngine) Subscribe(params *graphql.Params) <-chan *graphql.Result {
	return graphql.Subscribe(*params)
}
