package relay

// ShouldProcess decides whether an inbound message warrants any
// processing at all. Direct chats always pass. Group messages pass only
// when the relay's own id appears in the mention list; a missing list
// counts as empty, so a group message can never be processed without an
// explicit mention. A false result means the message is silently
// dropped with no side effects.
func ShouldProcess(isGroup bool, mentionedIDs []string, selfID string) bool {
	if !isGroup {
		return true
	}
	if selfID == "" {
		return false
	}
	for _, id := range mentionedIDs {
		if id == selfID {
			return true
		}
	}
	return false
}
