package bayeux

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// ChannelID parses name, caching the result.
func (s *Server) ChannelID(name string) (*protocol.ChannelID, error) {
	if id, ok := s.ids.Get(name); ok {
		return id, nil
	}
	id, err := protocol.ParseChannelID(name)
	if err != nil {
		return nil, err
	}
	s.ids.Add(name, id)
	return id, nil
}

// Channel returns the named channel once it is fully initialized, or nil.
func (s *Server) Channel(name string) *ServerChannel {
	value, ok := s.channels.Load(name)
	if !ok {
		return nil
	}
	channel := value.(*ServerChannel)
	<-channel.initialized
	return channel
}

func (s *Server) Channels() []*ServerChannel {
	var channels []*ServerChannel
	s.channels.Range(func(_, value any) bool {
		channels = append(channels, value.(*ServerChannel))
		return true
	})
	return channels
}

// CreateChannelIfAbsent returns the named channel, creating it if needed.
// Exactly one caller creates a channel: it runs initializers, then the
// server's ChannelInitializers, then ChannelListeners. Callers losing the
// race wait until initialization completed. created reports whether this
// call created the channel.
//
// Initializers must not create the channel they are initializing.
func (s *Server) CreateChannelIfAbsent(name string, initializers ...ChannelInitializer) (channel *ServerChannel, created bool, err error) {
	if existing := s.Channel(name); existing != nil {
		return existing, false, nil
	}
	id, err := s.ChannelID(name)
	if err != nil {
		return nil, false, err
	}

	candidate := newServerChannel(s, id)
	value, loaded := s.channels.LoadOrStore(id.String(), candidate)
	channel = value.(*ServerChannel)
	if loaded {
		<-channel.initialized
		return channel, false, nil
	}

	if parentName := id.Parent(); parentName != "" {
		parent, _, err := s.CreateChannelIfAbsent(parentName)
		if err != nil {
			close(channel.initialized)
			return channel, true, fmt.Errorf("error occurred while creating parent of %s: %w", name, err)
		}
		parent.addChild(id.String())
	}

	for _, initializer := range initializers {
		safely(fmt.Sprintf("channel initializer %T", initializer), func() { initializer.ConfigureChannel(channel) })
	}
	listeners := s.Listeners()
	for _, listener := range listeners {
		if l, ok := listener.(ChannelInitializer); ok {
			safely(fmt.Sprintf("channel initializer %T", l), func() { l.ConfigureChannel(channel) })
		}
	}
	close(channel.initialized)
	logger.DebugF("[%s] Channel added", name)

	for _, listener := range listeners {
		if l, ok := listener.(ChannelListener); ok {
			safely(fmt.Sprintf("channel listener %T", l), func() { l.ChannelAdded(channel) })
		}
	}
	return channel, true, nil
}

// removeChannel removes children first, then unsubscribes every subscriber,
// then drops the channel and notifies listeners.
func (s *Server) removeChannel(channel *ServerChannel) bool {
	if !channel.removed.CompareAndSwap(false, true) {
		return false
	}
	s.dropChannel(channel)
	return true
}

// dropChannel does the removal work for a channel already marked removed.
func (s *Server) dropChannel(channel *ServerChannel) {
	for _, child := range channel.Children() {
		if c := s.Channel(child); c != nil {
			c.Remove()
		}
	}
	for _, session := range channel.Subscribers() {
		channel.Unsubscribe(session)
	}

	s.channels.CompareAndDelete(channel.Name(), channel)
	if parent := channel.Parent(); parent != nil {
		parent.removeChild(channel.Name())
	}
	logger.DebugF("[%s] Channel removed", channel.Name())

	for _, listener := range s.Listeners() {
		if l, ok := listener.(ChannelListener); ok {
			safely(fmt.Sprintf("channel listener %T", l), func() { l.ChannelRemoved(channel) })
		}
	}
	for _, listener := range channel.Listeners() {
		if l, ok := listener.(ChannelListener); ok {
			safely(fmt.Sprintf("channel listener %T", l), func() { l.ChannelRemoved(channel) })
		}
	}
}
