package features

// fallbackDefaults is the static feature map served when the catalog
// store is unavailable. Resolution never fails a request outright: it
// degrades to these values and logs the store error. Everything risky
// is off; support chat stays reachable so degraded users can ask for help.
var fallbackDefaults = map[Key]bool{
	KeyAppsMarketplace: false,
	KeySupportChat:     true,
	KeyAnalytics:       false,
	KeyAIAssistant:     false,
	KeyBetaDashboard:   false,
}

// FallbackDefaults exposes a copy of the degraded-mode feature map.
func FallbackDefaults() map[Key]bool {
	out := make(map[Key]bool, len(fallbackDefaults))
	for k, v := range fallbackDefaults {
		out[k] = v
	}
	return out
}
