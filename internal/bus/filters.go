package bus

import (
	"strings"

	"github.com/odin-labs/messagebus/internal/message"
	"github.com/odin-labs/messagebus/internal/session"
)

// ServerFilter may mutate a message or drop it (keep=false) before it is
// ever visible to any subscriber.
type ServerFilter func(message.Message) (message.Message, bool)

// ClientFilter shapes the wire payload for one specific session, after
// visibility has already been decided.
type ClientFilter func(message.Message, session.Identity) (message.Message, bool)

// FilterRule binds an ordered filter list to every channel whose name has
// the given prefix. An empty Prefix matches every channel.
type FilterRule struct {
	Prefix string
	Server []ServerFilter
	Client []ClientFilter
}

func matchesPrefix(channel, prefix string) bool {
	return prefix == "" || strings.HasPrefix(channel, prefix)
}

// applyServerFilters runs every registered server filter whose prefix
// matches m.Channel, in registration order, stopping at the first drop.
func applyServerFilters(rules []FilterRule, m message.Message) (message.Message, bool) {
	for _, rule := range rules {
		if !matchesPrefix(m.Channel, rule.Prefix) {
			continue
		}
		for _, f := range rule.Server {
			var keep bool
			m, keep = f(m)
			if !keep {
				return message.Message{}, false
			}
		}
	}
	return m, true
}

// applyClientFilters runs every registered client filter whose prefix
// matches m.Channel, in registration order, stopping at the first drop.
func applyClientFilters(rules []FilterRule, m message.Message, identity session.Identity) (message.Message, bool) {
	for _, rule := range rules {
		if !matchesPrefix(m.Channel, rule.Prefix) {
			continue
		}
		for _, f := range rule.Client {
			var keep bool
			m, keep = f(m, identity)
			if !keep {
				return message.Message{}, false
			}
		}
	}
	return m, true
}

func stringSetContains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

func stringSetsIntersect(a, b []string) bool {
	for _, x := range a {
		if stringSetContains(b, x) {
			return true
		}
	}
	return false
}

// visibleTo reports whether a message is visible to identity: delivered
// only if its allow-sets intersect the session's identity, or the
// allow-sets are empty.
func visibleTo(m message.Message, identity session.Identity) bool {
	if len(m.UserIDs) > 0 {
		if !identity.HasUser || !stringSetContains(m.UserIDs, identity.UserID) {
			return false
		}
	}
	if len(m.GroupIDs) > 0 && !stringSetsIntersect(m.GroupIDs, identity.GroupIDs) {
		return false
	}
	if len(m.ClientIDs) > 0 && !stringSetContains(m.ClientIDs, identity.ClientID) {
		return false
	}
	if m.SiteID != "" {
		if !identity.HasSite || identity.SiteID != m.SiteID {
			return false
		}
	}
	return true
}
