package server

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

// ReportingStatus is the snapshot served by the status endpoint.
type ReportingStatus struct {
	Node        string          `json:"node"`
	Status      string          `json:"status"`
	Reported    int64           `json:"reported_at"`
	StartupTime int64           `json:"startup_time"`
	Transports  []string        `json:"transports"`
	Channels    []ChannelStatus `json:"channels"`
	Sessions    []SessionStatus `json:"sessions"`
}

type ChannelStatus struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Persistent  bool   `json:"persistent"`
	Lazy        bool   `json:"lazy"`
}

type SessionStatus struct {
	ClientID      string   `json:"client_id"`
	Local         bool     `json:"local"`
	Connected     bool     `json:"connected"`
	Created       int64    `json:"created"`
	Queued        int      `json:"queued"`
	Subscriptions []string `json:"subscriptions"`
}

// Status reports the channels and sessions currently known to the engine.
func (s *Server) Status() ReportingStatus {
	status := ReportingStatus{
		Node:        nodeName(),
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: s.started.Unix(),
		Transports:  s.bayeux.AllowedTransports(),
		Channels:    []ChannelStatus{},
		Sessions:    []SessionStatus{},
	}

	for _, channel := range s.bayeux.Channels() {
		status.Channels = append(status.Channels, ChannelStatus{
			Name:        channel.Name(),
			Subscribers: len(channel.Subscribers()),
			Persistent:  channel.IsPersistent(),
			Lazy:        channel.IsLazy(),
		})
	}
	sort.Slice(status.Channels, func(i, j int) bool { return status.Channels[i].Name < status.Channels[j].Name })

	for _, session := range s.bayeux.Sessions() {
		subscriptions := []string{}
		for _, channel := range session.Subscriptions() {
			subscriptions = append(subscriptions, channel.Name())
		}
		sort.Strings(subscriptions)
		status.Sessions = append(status.Sessions, SessionStatus{
			ClientID:      session.ID(),
			Local:         session.IsLocal(),
			Connected:     session.IsConnected(),
			Created:       session.Created().Unix(),
			Queued:        session.QueueLen(),
			Subscriptions: subscriptions,
		})
	}
	// oldest first
	sort.Slice(status.Sessions, func(i, j int) bool { return status.Sessions[i].Created < status.Sessions[j].Created })
	return status
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		logger.ErrorF("Fail to encode status, details: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func nodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
