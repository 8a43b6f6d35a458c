package protocol

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
)

func TestMessageAccessors(t *testing.T) {
	m := NewMessage()
	_ = m.SetChannel("/foo/bar")
	_ = m.SetClientID("abc")
	_ = m.Set(IDField, float64(7))
	_ = m.SetData("hi")

	if m.Channel() != "/foo/bar" || m.ClientID() != "abc" || m.ID() != "7" || m.Data() != "hi" {
		t.Fatalf("unexpected accessor values: %s", m)
	}
	if m.IsMeta() {
		t.Fatal("broadcast message reported as meta")
	}

	advice, err := m.GetAdvice(true)
	if err != nil {
		t.Fatal(err)
	}
	advice[ReconnectField] = ReconnectRetry
	if m.Advice()[ReconnectField] != ReconnectRetry {
		t.Fatal("advice created by GetAdvice is not attached")
	}
}

func TestMessageFreeze(t *testing.T) {
	m := NewMessage()
	_ = m.SetChannel("/foo")
	_ = m.SetData(map[string]any{"text": "hi"})

	data, err := m.Freeze()
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil || decoded[ChannelField] != "/foo" {
		t.Fatalf("unexpected serialization %s (%v)", data, err)
	}

	if _, err := m.Freeze(); !errors.Is(err, ErrImmutable) {
		t.Errorf("second Freeze expected ErrImmutable, got %v", err)
	}
	if err := m.SetChannel("/bar"); !errors.Is(err, ErrImmutable) {
		t.Errorf("Set on frozen message expected ErrImmutable, got %v", err)
	}
	if err := m.Delete(DataField); !errors.Is(err, ErrImmutable) {
		t.Errorf("Delete on frozen message expected ErrImmutable, got %v", err)
	}
	if err := m.SetLazy(true); !errors.Is(err, ErrImmutable) {
		t.Errorf("SetLazy on frozen message expected ErrImmutable, got %v", err)
	}
	if _, err := m.GetExt(true); !errors.Is(err, ErrImmutable) {
		t.Errorf("GetExt(true) on frozen message expected ErrImmutable, got %v", err)
	}

	// reads still work, nested values cannot leak mutations back
	if m.Channel() != "/foo" {
		t.Errorf("unexpected channel after freeze: %s", m.Channel())
	}
	nested := m.Data().(map[string]any)
	nested["text"] = "changed"
	if m.Data().(map[string]any)["text"] != "hi" {
		t.Error("frozen nested data was mutated")
	}
	again, _ := m.JSON()
	if string(again) != string(data) {
		t.Error("frozen serialization changed")
	}
}

func TestMessageFreezeDetachesBuilderReferences(t *testing.T) {
	ext := map[string]any{"token": "a"}
	m := NewMessageFromMap(map[string]any{ChannelField: "/foo", ExtField: ext})
	if _, err := m.Freeze(); err != nil {
		t.Fatal(err)
	}
	ext["token"] = "b"
	if m.Ext()["token"] != "a" {
		t.Error("mutation through the original map reached the frozen message")
	}
}

func TestMessageSubscriptions(t *testing.T) {
	tests := []struct {
		value  any
		expect []string
		ok     bool
	}{
		{"/foo", []string{"/foo"}, true},
		{[]any{"/foo", "/bar"}, []string{"/foo", "/bar"}, true},
		{[]string{"/a"}, []string{"/a"}, true},
		{[]any{"/foo", 1}, nil, false},
		{nil, nil, false},
		{42, nil, false},
	}

	for _, tt := range tests {
		m := NewMessage()
		if tt.value != nil {
			_ = m.Set(SubscriptionField, tt.value)
		}
		subs, ok := m.Subscriptions()
		if ok != tt.ok || !slices.Equal(subs, tt.expect) {
			t.Errorf("Subscriptions(%v) = %v %v, expected %v %v", tt.value, subs, ok, tt.expect, tt.ok)
		}
	}
}

func TestMessageCopy(t *testing.T) {
	m := NewMessage()
	_ = m.SetChannel("/foo")
	_ = m.SetLazy(true)
	_, _ = m.Freeze()

	c := m.Copy()
	if c.Frozen() || !c.IsLazy() || c.Channel() != "/foo" {
		t.Fatal("copy should be a mutable lazy message on the same channel")
	}
	if err := c.SetChannel("/bar"); err != nil || m.Channel() != "/foo" {
		t.Fatal("copy is not independent from the original")
	}
}

func TestNumberValue(t *testing.T) {
	tests := []struct {
		value  any
		expect int64
		ok     bool
	}{
		{1500, 1500, true},
		{int64(3), 3, true},
		{float64(2.9), 2, true},
		{json.Number("42"), 42, true},
		{json.Number("4.5"), 4, true},
		{"12", 0, false},
	}
	for _, tt := range tests {
		n, ok := NumberValue(tt.value)
		if n != tt.expect || ok != tt.ok {
			t.Errorf("NumberValue(%v) = %d %v, expected %d %v", tt.value, n, ok, tt.expect, tt.ok)
		}
	}
}

func TestParseError(t *testing.T) {
	e, err := ParseError("403:denied_by_security_policy:create denied")
	if err != nil || e.Code != 403 || e.Sub != "denied_by_security_policy" || e.Description != "create denied" {
		t.Fatalf("unexpected parse result %+v %v", e, err)
	}
	if NewError(402, "", "Unknown client").Error() != "402::Unknown client" {
		t.Error("unexpected error format")
	}
	if _, err := ParseError("nope"); err == nil {
		t.Error("expected malformed error")
	}
}
