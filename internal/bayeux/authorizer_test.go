package bayeux

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

type staticAuthorizer struct {
	result Result
	calls  int
}

func (a *staticAuthorizer) Authorize(Operation, *protocol.ChannelID, *ServerSession, *protocol.Message) Result {
	a.calls++
	return a.result
}

type panickingAuthorizer struct{}

func (panickingAuthorizer) Authorize(Operation, *protocol.ChannelID, *ServerSession, *protocol.Message) Result {
	panic("authorizer failure")
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name        string
		authorizers map[string][]Authorizer
		expect      Result
	}{
		{
			name:   "no authorizers",
			expect: Granted,
		},
		{
			name:        "single ignoring authorizer",
			authorizers: map[string][]Authorizer{"/a/b": {&staticAuthorizer{result: Ignored}}},
			expect:      Denied(ReasonNotGranting),
		},
		{
			name:        "single granting authorizer",
			authorizers: map[string][]Authorizer{"/a/**": {&staticAuthorizer{result: Granted}}},
			expect:      Granted,
		},
		{
			name: "grant then deny on a less specific wildcard",
			authorizers: map[string][]Authorizer{
				"/a/*": {&staticAuthorizer{result: Granted}},
				"/**":  {&staticAuthorizer{result: Denied("blocked")}},
			},
			expect: Denied("blocked"),
		},
		{
			name: "ignored plus granted",
			authorizers: map[string][]Authorizer{
				"/a/*": {&staticAuthorizer{result: Ignored}},
				"/a/b": {&staticAuthorizer{result: Granted}},
			},
			expect: Granted,
		},
		{
			name:        "panicking authorizer counts as ignored",
			authorizers: map[string][]Authorizer{"/a/b": {panickingAuthorizer{}}},
			expect:      Denied(ReasonNotGranting),
		},
		{
			name:        "authorizers on unrelated channels",
			authorizers: map[string][]Authorizer{"/x/*": {&staticAuthorizer{result: Denied("nope")}}},
			expect:      Granted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultOptions())
			for name, authorizers := range tt.authorizers {
				channel, _, err := s.CreateChannelIfAbsent(name)
				if err != nil {
					t.Fatal(err)
				}
				for _, authorizer := range authorizers {
					channel.AddAuthorizer(authorizer)
				}
			}
			target, _, _ := s.CreateChannelIfAbsent("/a/b")
			session := handshake(t, s)

			for _, op := range []Operation{OperationCreate, OperationSubscribe, OperationPublish} {
				result := s.authorize(op, session, protocol.NewMessage(), target.ID(), target)
				if result != tt.expect {
					t.Errorf("%s: got %s, expected %s", op, result, tt.expect)
				}
			}
		})
	}
}

func TestAuthorizeDenialStopsChain(t *testing.T) {
	s := New(DefaultOptions())
	deny := &staticAuthorizer{result: Denied("first")}
	later := &staticAuthorizer{result: Granted}
	wild, _, _ := s.CreateChannelIfAbsent("/a/*")
	wild.AddAuthorizer(deny)
	target, _, _ := s.CreateChannelIfAbsent("/a/b")
	target.AddAuthorizer(later)

	result := s.authorize(OperationPublish, nil, protocol.NewMessage(), target.ID(), target)
	if !result.IsDenied() || result.Reason() != "first" {
		t.Fatalf("unexpected result %s", result)
	}
	if later.calls != 0 {
		t.Error("authorizer consulted after a denial")
	}
}

type denyAllPolicy struct {
	DefaultSecurityPolicy
}

func (denyAllPolicy) CanPublish(*Server, *ServerSession, *ServerChannel, *protocol.Message) bool {
	return false
}

func TestAuthorizeSecurityPolicyFirst(t *testing.T) {
	s := New(DefaultOptions())
	s.SetSecurityPolicy(denyAllPolicy{})
	grant := &staticAuthorizer{result: Granted}
	target, _, _ := s.CreateChannelIfAbsent("/a/b")
	target.AddAuthorizer(grant)
	session := handshake(t, s)

	result := s.authorize(OperationPublish, session, protocol.NewMessage(), target.ID(), target)
	if result != Denied(ReasonSecurityPolicy) {
		t.Fatalf("unexpected result %s", result)
	}
	if grant.calls != 0 {
		t.Error("authorizer consulted after the policy refused")
	}
	if s.authorize(OperationSubscribe, session, protocol.NewMessage(), target.ID(), target) != Granted {
		t.Error("policy should allow subscribing to a broadcast channel")
	}
}

func TestDefaultSecurityPolicy(t *testing.T) {
	s := New(DefaultOptions())
	s.SetSecurityPolicy(DefaultSecurityPolicy{})
	session := handshake(t, s)
	local := s.NewLocalSession("policy")
	meta := s.Channel(protocol.MetaConnect)
	chat, _, _ := s.CreateChannelIfAbsent("/chat")

	if s.authorize(OperationCreate, session, nil, protocol.MustChannelID("/meta/other"), nil).IsGranted() {
		t.Error("remote session allowed to create a meta channel")
	}
	if !s.authorize(OperationCreate, local.ServerSession(), nil, protocol.MustChannelID("/meta/other"), nil).IsGranted() {
		t.Error("local session denied creating a meta channel")
	}
	if s.authorize(OperationPublish, session, nil, meta.ID(), meta).IsGranted() {
		t.Error("remote session allowed to publish to a meta channel")
	}
	if !s.authorize(OperationPublish, session, nil, chat.ID(), chat).IsGranted() {
		t.Error("remote session denied publishing to a broadcast channel")
	}
}

func TestResult(t *testing.T) {
	if !Granted.IsGranted() || Granted.IsDenied() || !Ignored.IsIgnored() {
		t.Error("unexpected singleton results")
	}
	denied := Denied("reason")
	if !denied.IsDenied() || denied.Reason() != "reason" || denied.String() != "denied(reason)" {
		t.Errorf("unexpected denial %s", denied)
	}
	if OperationSubscribe.String() != "subscribe" {
		t.Errorf("unexpected operation name %s", OperationSubscribe)
	}
}
