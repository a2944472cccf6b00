package events

// Topic name construction. Topics double as NATS subjects, so segments are
// joined with dots and must not contain dots themselves (user ids are UUIDs).

// UserTopic carries pairing transitions addressed to a single user.
func UserTopic(userID string) string {
	return "user." + userID
}

// PresenceTopic carries online/offline transitions for a single user.
func PresenceTopic(userID string) string {
	return "presence." + userID
}

// PairKey is the order-independent key for an unordered user pair. Both
// orderings of the same two ids produce the same key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// PairTopic carries messages, read receipts and typing signals for a pair.
func PairTopic(a, b string) string {
	return "pair." + PairKey(a, b)
}

// PairTopicForKey builds the pair topic from an already-computed pair key.
func PairTopicForKey(key string) string {
	return "pair." + key
}
