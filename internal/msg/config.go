package msg

// Topic names
const (
	TopicBridgeEvents = "bridge.events"
)

// Consumer groups
const (
	GroupJournalVerifier = "journal-verifier"
)
