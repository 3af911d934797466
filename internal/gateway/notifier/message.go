package notifier

import (
	"strings"
	"time"

	"tradegate/internal/pkg/text"
)

const maxMessageLen = 3800

// MessageSection is one block of lines inside a message.
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is the common layout of every notification: a headline,
// blocks of "Label: value" lines and an optional footer.
type StructuredMessage struct {
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// Render returns the message as plain text, truncated to fit one Telegram message.
func (m StructuredMessage) Render() string {
	var b strings.Builder
	if title := strings.TrimSpace(m.Title); title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	for _, sec := range m.Sections {
		lines := compactLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString("\n" + title + "\n")
		}
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString("\n" + footer + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString(m.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = text.Truncate(body, maxMessageLen)
	}
	return body
}

func compactLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
