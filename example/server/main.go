package main

import (
	"time"

	gqlwsserver "github.com/calluna-io/gql-ws/server"
	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	goutils "github.com/onichandame/go-utils"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	server := gin.Default()
	server.GET("/graphql", func(c *gin.Context) {
		schema := newSchema()
		sock := gqlwsserver.NewSocket(&gqlwsserver.Config{
			Response: c.Writer,
			Request:  c.Request,
			Schema:   schema,
			Logger:   logger,
		})
		sock.Wait()
	})
	goutils.Assert(server.Run(`:8080`))
}

func newSchema() *graphql.Schema {
	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: `Query`,
			Fields: graphql.Fields{
				"echo": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Args: graphql.FieldConfigArgument{
						"message": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					},
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return p.Args[`message`], nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: `Subscription`,
			Fields: graphql.Fields{
				"clock": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return p.Source, nil
					},
					Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
						res := make(chan interface{})
						stop := gqlwsserver.GetSubscriptionStopSig(p.Context)
						go func() {
							ticker := time.NewTicker(time.Second)
							defer ticker.Stop()
							for {
								select {
								case <-p.Context.Done():
									close(res)
									return
								case <-stop:
									close(res)
									return
								case t := <-ticker.C:
									res <- t.Format(time.RFC3339)
								}
							}
						}()
						return res, nil
					},
				},
			},
		}),
	})
	goutils.Assert(err)
	return &schema
}
