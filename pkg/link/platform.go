package link

type Platform string

const (
	PlatformOneBot   Platform = "onebot"
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
	PlatformQQBot    Platform = "qqbot"
	PlatformConsole  Platform = "console"
)

// Traits are the per-platform facts the relay needs. Engine code reads these
// instead of switching on the platform name.
type Traits struct {
	// DefaultPrefix and DefaultUsePrefix fill endpoints that leave them unset.
	DefaultPrefix    string
	DefaultUsePrefix bool
	// Alias names the platform in the "__no<alias>__" opt-out marker.
	Alias string
	// DeletionEvents is set when the platform reports deleted messages.
	DeletionEvents bool
	// QuoteCarriesMention is set when a reply is always followed by an
	// implicit mention of the replied-to author.
	QuoteCarriesMention bool
	// BroadcastTokens are literal texts the platform turns into mass mentions.
	BroadcastTokens []string
}

var traits = map[Platform]Traits{
	PlatformOneBot: {
		DefaultPrefix:       "[QQ]",
		DefaultUsePrefix:    true,
		Alias:               "qq",
		DeletionEvents:      true,
		QuoteCarriesMention: true,
	},
	PlatformDiscord: {
		DefaultPrefix:    "[DC]",
		DefaultUsePrefix: false,
		Alias:            "discord",
		DeletionEvents:   true,
		BroadcastTokens:  []string{"@everyone", "@here"},
	},
	PlatformTelegram: {
		DefaultPrefix:    "[TL]",
		DefaultUsePrefix: true,
		Alias:            "telegram",
	},
	PlatformQQBot: {
		DefaultPrefix:    "[QQ]",
		DefaultUsePrefix: true,
		Alias:            "qq",
	},
	PlatformConsole: {
		DefaultPrefix:    "[CON]",
		DefaultUsePrefix: true,
		Alias:            "console",
		DeletionEvents:   true,
	},
}

// TraitsOf returns the traits of p and whether p is a known platform.
func TraitsOf(p Platform) (Traits, bool) {
	t, ok := traits[p]
	return t, ok
}

func (p Platform) Traits() Traits {
	return traits[p]
}
