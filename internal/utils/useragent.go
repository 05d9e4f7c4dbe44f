package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// DeviceInfo holds the parts of a User-Agent string kept in security audit rows
type DeviceInfo struct {
	DeviceType string `json:"device_type"` // mobile, tablet, desktop, server
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	BrowserVer string `json:"browser_ver,omitempty"`
	IsBot      bool   `json:"is_bot"`
	Platform   string `json:"platform"`
}

var platforms = []struct{ match, platform string }{
	{"android", "android"},
	{"iphone os", "ios"},
	{"ios", "ios"},
	{"windows", "windows"},
	{"mac os x", "mac"},
	{"macos", "mac"},
	{"chrome os", "chromeos"},
	{"linux", "linux"},
}

var tabletMarkers = []string{"ipad", "tablet", "kindle", "nexus 7", "nexus 9", "nexus 10", "sm-t"}

// ParseUserAgent extracts device information from a User-Agent header.
// Webhook deliveries carry server user agents (no browser, no OS); those are
// reported with DeviceType "server".
func ParseUserAgent(userAgent string) DeviceInfo {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return DeviceInfo{DeviceType: "unknown", OS: "Unknown", Browser: "Unknown", Platform: "unknown"}
	}

	parser := ua.New(userAgent)
	browser, version := parser.Browser()
	osInfo := parser.OSInfo()

	info := DeviceInfo{
		IsBot:      parser.Bot(),
		Browser:    orUnknown(browser),
		BrowserVer: version,
		OS:         orUnknown(strings.TrimSpace(osInfo.Name + " " + osInfo.Version)),
		Platform:   "unknown",
	}

	lowerOS := strings.ToLower(osInfo.Name)
	for _, p := range platforms {
		if strings.Contains(lowerOS, p.match) {
			info.Platform = p.platform
			break
		}
	}

	switch {
	case parser.Mobile() && isTablet(userAgent):
		info.DeviceType = "tablet"
	case parser.Mobile():
		info.DeviceType = "mobile"
	case osInfo.Name == "" && !strings.Contains(userAgent, "Mozilla"):
		info.DeviceType = "server"
	default:
		info.DeviceType = "desktop"
	}

	return info
}

func isTablet(userAgent string) bool {
	lower := strings.ToLower(userAgent)
	for _, marker := range tabletMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
