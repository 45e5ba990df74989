// Package platform defines the normalized message envelopes, the adapter
// contract each messaging surface implements, and the registry that holds
// the adapters wired in at boot.
package platform

// Platform identifies a messaging surface.
type Platform string

const (
	Telegram  Platform = "telegram"
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
	WhatsApp  Platform = "whatsapp"
	Web       Platform = "web"
)

func (p Platform) String() string {
	return string(p)
}

// Valid reports whether p is one of the platform identities the relay
// understands. A platform can be valid without an adapter being configured.
func (p Platform) Valid() bool {
	switch p {
	case Telegram, Instagram, TikTok, WhatsApp, Web:
		return true
	}
	return false
}
