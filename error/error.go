package gqlwserror

import (
	"fmt"

	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql/gqlerrors"
)

// Close codes reserved by the subprotocol.
const (
	CloseNormal              = 1000
	CloseGoingAway           = 1001
	CloseProtocolError       = 1002
	CloseNoStatus            = 1005
	CloseInternalServerError = 1011
	CloseBadRequest          = 4400
	CloseUnauthorized        = 4401
	CloseForbidden           = 4403
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInit         = 4429
)

// HandlableError is an id-scoped failure that terminates a single operation
// with an error message instead of the whole socket.
type HandlableError struct {
	ID      string
	message string
}

func NewHandlableError(id string, message string) *HandlableError {
	var err HandlableError
	err.ID = id
	err.message = message
	return &err
}

func (e *HandlableError) Error() string {
	return e.message
}

func (e *HandlableError) GetMessage() *gqlwsmessage.Message {
	return (&gqlwsmessage.Message{Type: gqlwsmessage.Error, Payload: gqlerrors.FormattedErrors(gqlerrors.FormatErrors(e)), ID: &e.ID})
}

// FatalError terminates the socket with a protocol close code.
type FatalError struct {
	code    int
	message string
}

func NewFatalError(code int, msg string) *FatalError {
	var err FatalError
	err.code = code
	err.message = msg
	return &err
}

func (e *FatalError) Code() int      { return e.code }
func (e *FatalError) Reason() string { return e.message }

func (e *FatalError) Error() string {
	return string(websocket.FormatCloseMessage(e.code, e.message))
}

// CloseEvent is the close a client observed on its socket. It is the error
// value delivered to sinks when an operation terminates because the socket
// went away.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

func (e *CloseEvent) Error() string {
	return fmt.Sprintf(`socket closed with %v: %v`, e.Code, e.Reason)
}

// Terminal reports whether a close code forbids reconnection. Normal
// closures (1000, 1001) and 1005 (no status) are not terminal, so they go
// through the retry policy; once retries are exhausted the last observed
// close, often a 1005, is what subscribers receive.
func Terminal(code int) bool {
	switch code {
	case CloseProtocolError,
		CloseInternalServerError,
		CloseBadRequest,
		CloseUnauthorized,
		CloseForbidden,
		CloseInitTimeout,
		CloseSubscriberExists,
		CloseTooManyInit:
		return true
	}
	return false
}
