package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message is a Bayeux message: a field map that becomes immutable once frozen.
// Freezing serializes the message once; the frozen instance is then shared by
// every subscriber delivery.
//
// A Message is not safe for concurrent mutation. After Freeze it may be read
// from any goroutine; nested maps and slices handed out by a frozen message are
// copies.
type Message struct {
	fields     map[string]any
	frozen     bool
	json       []byte
	lazy       bool
	associated *Message
}

func NewMessage() *Message {
	return &Message{fields: make(map[string]any)}
}

// NewMessageFromMap wraps fields without copying them.
func NewMessageFromMap(fields map[string]any) *Message {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Message{fields: fields}
}

func (m *Message) Get(key string) any {
	value := m.fields[key]
	if m.frozen {
		return deepCopy(value)
	}
	return value
}

func (m *Message) Has(key string) bool {
	_, ok := m.fields[key]
	return ok
}

func (m *Message) Set(key string, value any) error {
	if m.frozen {
		return fmt.Errorf("%w: cannot set %q", ErrImmutable, key)
	}
	m.fields[key] = value
	return nil
}

func (m *Message) Delete(key string) error {
	if m.frozen {
		return fmt.Errorf("%w: cannot delete %q", ErrImmutable, key)
	}
	delete(m.fields, key)
	return nil
}

// Fields returns a deep copy of the field map.
func (m *Message) Fields() map[string]any {
	return deepCopy(m.fields).(map[string]any)
}

func (m *Message) Channel() string {
	return m.stringField(ChannelField)
}

func (m *Message) SetChannel(channel string) error {
	return m.Set(ChannelField, channel)
}

func (m *Message) ClientID() string {
	return m.stringField(ClientIDField)
}

func (m *Message) SetClientID(clientID string) error {
	return m.Set(ClientIDField, clientID)
}

// ID returns the message id; numeric ids are formatted as decimal strings.
func (m *Message) ID() string {
	switch v := m.fields[IDField].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if n, ok := NumberValue(v); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprint(v)
	}
}

func (m *Message) Data() any {
	return m.Get(DataField)
}

func (m *Message) SetData(data any) error {
	return m.Set(DataField, data)
}

func (m *Message) Advice() map[string]any {
	advice, _ := m.Get(AdviceField).(map[string]any)
	return advice
}

// GetAdvice returns the advice map, creating it when create is set.
func (m *Message) GetAdvice(create bool) (map[string]any, error) {
	return m.nestedMap(AdviceField, create)
}

func (m *Message) Ext() map[string]any {
	ext, _ := m.Get(ExtField).(map[string]any)
	return ext
}

// GetExt returns the ext map, creating it when create is set.
func (m *Message) GetExt(create bool) (map[string]any, error) {
	return m.nestedMap(ExtField, create)
}

func (m *Message) IsSuccessful() bool {
	successful, _ := m.fields[SuccessfulField].(bool)
	return successful
}

func (m *Message) SetSuccessful(successful bool) error {
	return m.Set(SuccessfulField, successful)
}

func (m *Message) ErrorString() string {
	return m.stringField(ErrorField)
}

func (m *Message) SetError(e *Error) error {
	return m.Set(ErrorField, e.Error())
}

// Subscriptions returns the subscription field, which may hold a single
// channel name or a list of them. ok is false if the field is missing or
// holds anything else.
func (m *Message) Subscriptions() (subscriptions []string, ok bool) {
	switch v := m.fields[SubscriptionField].(type) {
	case string:
		return []string{v}, true
	case []string:
		return append([]string(nil), v...), len(v) > 0
	case []any:
		for _, item := range v {
			name, isString := item.(string)
			if !isString {
				return nil, false
			}
			subscriptions = append(subscriptions, name)
		}
		return subscriptions, len(subscriptions) > 0
	default:
		return nil, false
	}
}

func (m *Message) IsMeta() bool {
	return IsMetaChannel(m.Channel())
}

func (m *Message) IsLazy() bool {
	return m.lazy
}

func (m *Message) SetLazy(lazy bool) error {
	if m.frozen {
		return fmt.Errorf("%w: cannot change lazy flag", ErrImmutable)
	}
	m.lazy = lazy
	return nil
}

// Associated returns the linked request or reply, if any.
func (m *Message) Associated() *Message {
	return m.associated
}

func (m *Message) SetAssociated(associated *Message) {
	m.associated = associated
}

func (m *Message) Frozen() bool {
	return m.frozen
}

// Freeze serializes the message and makes it readonly. Freezing a frozen
// message is an error.
func (m *Message) Freeze() ([]byte, error) {
	if m.frozen {
		return nil, fmt.Errorf("%w: already frozen", ErrImmutable)
	}
	// detach nested values still referenced by whoever built the message
	m.fields = deepCopy(m.fields).(map[string]any)
	data, err := json.Marshal(m.fields)
	if err != nil {
		return nil, fmt.Errorf("error occured while serializing message: %w", err)
	}
	m.json = data
	m.frozen = true
	return data, nil
}

// JSON returns the serialized message, cached once frozen.
func (m *Message) JSON() ([]byte, error) {
	if m.frozen {
		return m.json, nil
	}
	return json.Marshal(m.fields)
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return m.JSON()
}

// Copy returns a mutable deep copy that keeps the lazy flag but drops the
// associated link.
func (m *Message) Copy() *Message {
	return &Message{
		fields: deepCopy(m.fields).(map[string]any),
		lazy:   m.lazy,
	}
}

func (m *Message) String() string {
	data, err := m.JSON()
	if err != nil {
		return fmt.Sprintf("%v", m.fields)
	}
	return string(data)
}

func (m *Message) stringField(key string) string {
	value, _ := m.fields[key].(string)
	return value
}

func (m *Message) nestedMap(key string, create bool) (map[string]any, error) {
	if nested, ok := m.fields[key].(map[string]any); ok {
		if m.frozen {
			return deepCopy(nested).(map[string]any), nil
		}
		return nested, nil
	}
	if !create {
		return nil, nil
	}
	if m.frozen {
		return nil, fmt.Errorf("%w: cannot create %q", ErrImmutable, key)
	}
	nested := make(map[string]any)
	m.fields[key] = nested
	return nested, nil
}

// NumberValue converts the numeric representations produced by JSON decoding
// (and by Go callers) to an int64.
func NumberValue(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, item := range v {
			result[key] = deepCopy(item)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = deepCopy(item)
		}
		return result
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}
