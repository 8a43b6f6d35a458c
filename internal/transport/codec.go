// Package transport carries Bayeux messages over HTTP long polling and
// WebSocket connections.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

var ErrMalformedMessage = errors.New("malformed bayeux message")

// Parse decodes a request body holding either a JSON array of messages or a
// single message object.
func Parse(data []byte) ([]*protocol.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw []map[string]any
	if data[0] == '{' {
		var single map[string]any
		if err := decoder.Decode(&single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		raw = append(raw, single)
	} else if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}

	messages := make([]*protocol.Message, 0, len(raw))
	for i, fields := range raw {
		if fields == nil {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformedMessage, i)
		}
		messages = append(messages, protocol.NewMessageFromMap(fields))
	}
	return messages, nil
}

// Generate encodes messages as a JSON array. Frozen messages contribute
// their cached serialization.
func Generate(messages []*protocol.Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, message := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := message.JSON()
		if err != nil {
			return nil, fmt.Errorf("error occured while generating message on %s: %w", message.Channel(), err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
