package analytics

import "strings"

// Browser labels.
const (
	BrowserFirefox = "Firefox"
	BrowserChrome  = "Chrome"
	BrowserSafari  = "Safari"
	BrowserEdge    = "Edge"
	BrowserIE      = "IE"
	BrowserOther   = "other"
	BrowserUnknown = "unknown"
)

// ClassifyBrowser maps a user agent to a coarse browser label. Checks are
// case-sensitive and ordered: Chromium Edge carries "Chrome" and "Safari"
// tokens, Chrome carries "Safari".
func ClassifyBrowser(ua string) string {
	switch {
	case ua == "":
		return BrowserUnknown
	case strings.Contains(ua, "Firefox"):
		return BrowserFirefox
	case strings.Contains(ua, "Chrome") && !strings.Contains(ua, "Edg"):
		return BrowserChrome
	case strings.Contains(ua, "Safari") && !strings.Contains(ua, "Chrome"):
		return BrowserSafari
	case strings.Contains(ua, "Edg"):
		return BrowserEdge
	case strings.Contains(ua, "MSIE") || strings.Contains(ua, "Trident"):
		return BrowserIE
	default:
		return BrowserOther
	}
}

var keyReplacer = strings.NewReplacer("/", "_", ".", "_", "$", "_")

// SanitizeKey turns a path into a counter key that document stores accept:
// "/" and "." become "_" ("$" too, since it cannot lead a field name).
func SanitizeKey(path string) string {
	if path == "" {
		return "_"
	}
	return keyReplacer.Replace(path)
}
