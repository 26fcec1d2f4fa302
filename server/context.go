package gqlwsserver

import (
	"context"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// ConnectionParams is the free-form payload negotiated on ConnectionInit.
type ConnectionParams interface{}

var connParamsKey = &struct{}{}

// GetConnectionParams retrieves the connection parameters from a resolver
// context.
func GetConnectionParams(ctx context.Context) ConnectionParams {
	return ctx.Value(connParamsKey)
}

var subscriptionStopKey = &struct{}{}

// GetSubscriptionStopSig retrieves the stop signal of the running
// subscription from a resolver context. The channel is closed when the client
// completes the operation or the socket goes away.
func GetSubscriptionStopSig(ctx context.Context) chan interface{} {
	return ctx.Value(subscriptionStopKey).(chan interface{})
}

func getOperationTypeOfReq(reqStr string) string {
	source := source.NewSource(&source.Source{
		Body: []byte(reqStr),
		Name: "GraphQL request",
	})

	AST, err := parser.Parse(parser.ParseParams{Source: source})
	if err != nil {
		return ""
	}

	for _, node := range AST.Definitions {
		if operationDef, ok := node.(*ast.OperationDefinition); ok {
			return operationDef.Operation
		}
	}
	return ""
}
