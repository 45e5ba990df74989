package platform

// Capabilities describes what a platform surface can render, letting
// callers adapt outgoing messages without per-platform branching.
type Capabilities struct {
	Buttons          bool
	Markdown         bool
	HTML             bool
	Media            bool
	Replies          bool
	Editing          bool
	Deletion         bool
	MaxMessageLength int
	MediaTypes       []string
}

// TrimToLimit shortens text to the platform's message length cap, counting
// runes so multi-byte text is never cut mid-character. A zero cap means
// unlimited.
func (c Capabilities) TrimToLimit(text string) string {
	if c.MaxMessageLength <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= c.MaxMessageLength {
		return text
	}
	return string(runes[:c.MaxMessageLength])
}

// SupportsParseMode reports whether the surface can render the given parse
// mode ("markdown" or "html").
func (c Capabilities) SupportsParseMode(mode string) bool {
	switch mode {
	case "markdown":
		return c.Markdown
	case "html":
		return c.HTML
	}
	return false
}
