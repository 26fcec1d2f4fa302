package main

import (
	"time"

	gqlwsclient "github.com/calluna-io/gql-ws/client"
	gqlwserror "github.com/calluna-io/gql-ws/error"
	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	client := gqlwsclient.NewClient(&gqlwsclient.Config{
		URL:       `ws://localhost:8080/graphql`,
		KeepAlive: time.Second * 5,
		Logger:    logger,
		On: gqlwsclient.Events{
			Closed: func(ev *gqlwserror.CloseEvent) {
				logger.WithField(`code`, ev.Code).Info(`socket closed`)
			},
		},
	})
	defer client.Close()

	done := make(chan interface{})
	client.Subscribe(gqlwsmessage.SubscribePayload{Query: `query{echo(message:"hello")}`}, gqlwsclient.Handlers{
		OnNext: func(res *graphql.Result) {
			logger.WithField(`data`, res.Data).Info(`echo`)
		},
		OnComplete: func() { close(done) },
		OnError: func(err error) {
			logger.Error(err)
			close(done)
		},
	})
	<-done

	ticks := 0
	finished := make(chan interface{})
	dispose := client.Subscribe(gqlwsmessage.SubscribePayload{Query: `subscription{clock}`}, gqlwsclient.Handlers{
		OnNext: func(res *graphql.Result) {
			logger.WithField(`data`, res.Data).Info(`tick`)
			ticks++
			if ticks >= 3 {
				close(finished)
			}
		},
	})
	<-finished
	dispose()
}
