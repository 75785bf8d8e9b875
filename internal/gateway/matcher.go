package gateway

import "strings"

// GroupMatcher derives the group flag from the shape of a conversation
// id. Two modes exist because deployed gateways disagree: "suffix"
// requires the id to end with the group domain, "contains" accepts it
// anywhere in the id.
type GroupMatcher struct {
	contains bool
	domain   string
}

// NewGroupMatcher creates a matcher. mode is "suffix" or "contains";
// domain is the id fragment identifying group chats (e.g., "@g.us").
func NewGroupMatcher(mode, domain string) GroupMatcher {
	return GroupMatcher{
		contains: mode == "contains",
		domain:   domain,
	}
}

// IsGroup reports whether the conversation id names a group chat.
func (m GroupMatcher) IsGroup(conversationID string) bool {
	if m.domain == "" {
		return false
	}
	if m.contains {
		return strings.Contains(conversationID, m.domain)
	}
	return strings.HasSuffix(conversationID, m.domain)
}
