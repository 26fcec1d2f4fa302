package message

import (
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ParseError reports a frame that violates the wire grammar. The socket owner
// translates it into a close with code 4400.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func newParseError(format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Encode marshals a message into a text frame.
func Encode(msg *Message) ([]byte, error) {
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, `unable to marshal message`)
	}
	return data, nil
}

// Parse decodes a text frame, enforcing the wire grammar. Unknown fields are
// ignored. Subscribe payloads are decoded into *SubscribePayload, next
// payloads into *graphql.Result and error payloads into
// gqlerrors.FormattedErrors; other payloads are kept as plain decoded JSON.
func Parse(data []byte) (*Message, error) {
	var raw struct {
		Type    Type            `json:"type"`
		ID      *string         `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return nil, newParseError(`message must be a json object`)
	}
	msg := Message{Type: raw.Type, ID: raw.ID}
	switch raw.Type {
	case ConnectionInit, ConnectionAck, Ping, Pong:
		if len(raw.Payload) > 0 {
			var payload interface{}
			if err := jsoniter.Unmarshal(raw.Payload, &payload); err != nil {
				return nil, newParseError(`payload of %v message invalid`, raw.Type)
			}
			msg.Payload = payload
		}
	case Subscribe:
		if err := requireID(raw.ID); err != nil {
			return nil, err
		}
		if len(raw.Payload) == 0 {
			return nil, newParseError(`payload of subscribe message must not be empty`)
		}
		var payload SubscribePayload
		if err := jsoniter.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, newParseError(`payload of subscribe message invalid`)
		}
		if payload.Query == `` {
			return nil, newParseError(`payload of subscribe message must carry a query`)
		}
		msg.Payload = &payload
	case Next:
		if err := requireID(raw.ID); err != nil {
			return nil, err
		}
		if len(raw.Payload) == 0 {
			return nil, newParseError(`payload of next message must not be empty`)
		}
		var payload graphql.Result
		if err := jsoniter.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, newParseError(`payload of next message invalid`)
		}
		msg.Payload = &payload
	case Error:
		if err := requireID(raw.ID); err != nil {
			return nil, err
		}
		var payload gqlerrors.FormattedErrors
		if err := jsoniter.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, newParseError(`payload of error message invalid`)
		}
		if len(payload) == 0 {
			return nil, newParseError(`payload of error message must not be empty`)
		}
		msg.Payload = payload
	case Complete:
		if err := requireID(raw.ID); err != nil {
			return nil, err
		}
	case ``:
		return nil, newParseError(`message must carry a type`)
	default:
		return nil, newParseError(`message type %v not supported`, raw.Type)
	}
	return &msg, nil
}

func requireID(id *string) error {
	if id == nil || *id == `` {
		return newParseError(`message must carry a non-empty id`)
	}
	return nil
}
