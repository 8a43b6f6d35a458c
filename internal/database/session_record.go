package database

import (
	"context"
	"errors"
	"slices"
	"time"
)

const SessionCollectionName = "sessions"

var (
	ClientIdEmptyError = errors.New("client_id is empty")
	ErrSessionNotFound = errors.New("session record does not exist")
)

// SessionRecord is the persisted view of a Bayeux session.
type SessionRecord struct {
	ClientID      string    `bson:"client_id" json:"client_id"`
	Local         bool      `bson:"local" json:"local"`
	HandshakeAt   time.Time `bson:"handshake_at" json:"handshake_at"`
	Subscriptions []string  `bson:"subscriptions" json:"subscriptions"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

func NewSessionRecord(clientID string, local bool) *SessionRecord {
	now := time.Now()
	return &SessionRecord{
		ClientID:      clientID,
		Local:         local,
		HandshakeAt:   now,
		Subscriptions: []string{},
		UpdatedAt:     now,
	}
}

func (r *SessionRecord) AddSubscription(channel string) {
	if !slices.Contains(r.Subscriptions, channel) {
		r.Subscriptions = append(r.Subscriptions, channel)
	}
	r.UpdatedAt = time.Now()
}

func (r *SessionRecord) RemoveSubscription(channel string) {
	r.Subscriptions = slices.DeleteFunc(r.Subscriptions, func(s string) bool { return s == channel })
	r.UpdatedAt = time.Now()
}

func (r *SessionRecord) Clone() *SessionRecord {
	clone := *r
	clone.Subscriptions = slices.Clone(r.Subscriptions)
	if clone.Subscriptions == nil {
		clone.Subscriptions = []string{}
	}
	return &clone
}

// SessionStore keeps session records. Get returns ErrSessionNotFound for an
// unknown client id; Delete of an unknown client id is not an error.
type SessionStore interface {
	Get(ctx context.Context, clientID string) (*SessionRecord, error)
	Save(ctx context.Context, record *SessionRecord) error
	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context) ([]*SessionRecord, error)
	Close(ctx context.Context) error
}

// StoreCloseCallback closes a store on shutdown.
type StoreCloseCallback struct {
	store SessionStore
}

func NewStoreCloseCallback(store SessionStore) *StoreCloseCallback {
	return &StoreCloseCallback{store: store}
}

func (sc *StoreCloseCallback) Invoke(ctx context.Context) error {
	return sc.store.Close(ctx)
}
