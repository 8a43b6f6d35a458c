package protocol

import (
	"fmt"
	"strings"
)

// WildDegree classifies a channel id by its last segment.
type WildDegree int

const (
	Exact       WildDegree = iota // no wildcard
	ShallowWild                   // last segment "*", one level
	DeepWild                      // last segment "**", any depth
)

var wildDegreeMap = map[WildDegree]string{
	Exact:       "exact",
	ShallowWild: "shallow-wild",
	DeepWild:    "deep-wild",
}

func (w WildDegree) String() string {
	return wildDegreeMap[w]
}

// ChannelID is a parsed, immutable channel name.
type ChannelID struct {
	id       string
	segments []string
	wild     WildDegree
	wilds    []string
	parent   string
}

// ParseChannelID parses name into a ChannelID. Names must start with "/", must
// not be "/" and must not contain empty segments; one trailing slash is dropped.
func ParseChannelID(name string) (*ChannelID, error) {
	if name == "" || name[0] != '/' || name == "/" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	name = strings.TrimSuffix(name, "/")

	segments := strings.Split(name[1:], "/")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidChannel, name)
		}
	}

	c := &ChannelID{id: name, segments: segments}
	switch segments[len(segments)-1] {
	case "*":
		c.wild = ShallowWild
	case "**":
		c.wild = DeepWild
	default:
		c.wild = Exact
	}

	depth := len(segments)
	if depth > 1 {
		c.parent = "/" + strings.Join(segments[:depth-1], "/")
	}

	if c.wild == Exact {
		// most specific first: shallow wild at the same depth, then deep wilds up to the root
		c.wilds = make([]string, 0, depth+1)
		c.wilds = append(c.wilds, prefix(segments, depth-1)+"/*")
		for i := depth - 1; i >= 0; i-- {
			c.wilds = append(c.wilds, prefix(segments, i)+"/**")
		}
	}
	return c, nil
}

// MustChannelID is ParseChannelID for compile-time constant names.
func MustChannelID(name string) *ChannelID {
	id, err := ParseChannelID(name)
	if err != nil {
		panic(err)
	}
	return id
}

func prefix(segments []string, n int) string {
	if n == 0 {
		return ""
	}
	return "/" + strings.Join(segments[:n], "/")
}

func (c *ChannelID) String() string {
	return c.id
}

func (c *ChannelID) Depth() int {
	return len(c.segments)
}

func (c *ChannelID) Segment(i int) string {
	if i < 0 || i >= len(c.segments) {
		return ""
	}
	return c.segments[i]
}

func (c *ChannelID) Wild() WildDegree {
	return c.wild
}

func (c *ChannelID) IsWild() bool {
	return c.wild != Exact
}

func (c *ChannelID) IsShallowWild() bool {
	return c.wild == ShallowWild
}

func (c *ChannelID) IsDeepWild() bool {
	return c.wild == DeepWild
}

func (c *ChannelID) IsMeta() bool {
	return IsMetaChannel(c.id)
}

func (c *ChannelID) IsService() bool {
	return IsServiceChannel(c.id)
}

// IsBroadcast reports whether messages on this channel fan out to subscribers.
func (c *ChannelID) IsBroadcast() bool {
	return !c.IsMeta() && !c.IsService()
}

// Parent returns the parent channel name, or "" for top level channels.
func (c *ChannelID) Parent() string {
	return c.parent
}

// Wilds returns the wildcard patterns matching this id, most specific first.
// Wild ids have none.
func (c *ChannelID) Wilds() []string {
	result := make([]string, len(c.wilds))
	copy(result, c.wilds)
	return result
}

func (c *ChannelID) Equal(other *ChannelID) bool {
	return other != nil && c.id == other.id
}

// Matches reports whether other is addressed by this id.
func (c *ChannelID) Matches(other *ChannelID) bool {
	if other == nil {
		return false
	}
	if other.IsWild() {
		return c.Equal(other)
	}
	switch c.wild {
	case ShallowWild:
		return other.Depth() == c.Depth() && c.samePrefix(other, c.Depth()-1)
	case DeepWild:
		return other.Depth() >= c.Depth() && c.samePrefix(other, c.Depth()-1)
	default:
		return c.Equal(other)
	}
}

// IsParentOf reports whether other is a direct child of this id.
func (c *ChannelID) IsParentOf(other *ChannelID) bool {
	if other == nil || c.IsWild() || other.IsWild() {
		return false
	}
	return other.Depth() == c.Depth()+1 && c.samePrefix(other, c.Depth())
}

// IsAncestorOf reports whether other is below this id at any depth.
func (c *ChannelID) IsAncestorOf(other *ChannelID) bool {
	if other == nil || c.IsWild() || other.IsWild() {
		return false
	}
	return other.Depth() > c.Depth() && c.samePrefix(other, c.Depth())
}

func (c *ChannelID) samePrefix(other *ChannelID, n int) bool {
	for i := 0; i < n; i++ {
		if c.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

func IsMetaChannel(name string) bool {
	return strings.HasPrefix(name, MetaPrefix)
}

func IsServiceChannel(name string) bool {
	return strings.HasPrefix(name, ServicePrefix)
}
