package notifier

// TextNotifier sends a preformatted message. Components depend on this rather
// than on a concrete channel such as Telegram.
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
