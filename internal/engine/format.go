package engine

// pushMessage is the alert content built for one device.
type pushMessage struct {
	Title string
	Body  string
}

// formatMessage renders the alert text for a supported event kind, per the
// message-formatting table. Direct messages and private zap
// messages never surface their plaintext content, since it is encrypted
// end-to-end and the relay never had the key to read it.
func formatMessage(kind int, content string) pushMessage {
	switch kind {
	case KindTextNote:
		return pushMessage{Title: "New activity", Body: content}
	case KindEncryptedDirectMessage:
		return pushMessage{Title: "New direct message", Body: "Contents are encrypted"}
	case KindRepost, KindGenericRepost:
		return pushMessage{Title: "Someone reposted", Body: content}
	case KindReaction:
		return pushMessage{Title: "New reaction", Body: content}
	case KindZapPrivateMessage:
		return pushMessage{Title: "New zap private message", Body: "Contents are encrypted"}
	case KindZapReceipt:
		return pushMessage{Title: "Someone zapped you", Body: ""}
	default:
		return pushMessage{Title: "New activity", Body: ""}
	}
}
