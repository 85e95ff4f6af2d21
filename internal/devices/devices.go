// Package devices maps free-text device and platform strings onto a fixed set of classes.
package devices

import (
	"strings"

	ua "workstats/internal/pkg/user_agent"
)

// Class is a normalized client platform bucket.
type Class string

const (
	Web     Class = "web"
	IOS     Class = "ios"
	Android Class = "android"
	WAP     Class = "wap"
	Other   Class = "other"
)

// All lists every class in storage order.
var All = []Class{Web, IOS, Android, WAP, Other}

// Checked in order; the first rule with a matching substring wins.
var rules = []struct {
	class   Class
	needles []string
}{
	{IOS, []string{"iphone", "ipad", "ipod", "ios"}},
	{Android, []string{"android", "harmony"}},
	{WAP, []string{"wap", "h5", "mweb", "m-web", "mobile"}},
	{Web, []string{"web", "pc", "desktop", "windows", "macintosh", "mac os", "linux"}},
}

// Normalize classifies a raw device string. Empty and unrecognized input map to Other.
func Normalize(raw string) Class {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Other
	}

	for _, rule := range rules {
		for _, needle := range rule.needles {
			if strings.Contains(s, needle) {
				return rule.class
			}
		}
	}
	return Other
}

// FromUserAgent classifies a browser user agent. Browsers report the web
// surfaces only: handheld browsers are WAP, desktop browsers are Web.
func FromUserAgent(userAgent string) Class {
	parsed := ua.ParseUserAgent(userAgent)
	switch {
	case parsed.Bot:
		return Other
	case parsed.Mobile || parsed.Tablet:
		return WAP
	case parsed.Desktop:
		return Web
	}
	return Other
}

// Resolve prefers the explicit device field and falls back to the user agent.
func Resolve(device, userAgent string) Class {
	if strings.TrimSpace(device) != "" {
		return Normalize(device)
	}
	if strings.TrimSpace(userAgent) != "" {
		return FromUserAgent(userAgent)
	}
	return Other
}

// Valid reports whether c is one of the fixed classes.
func (c Class) Valid() bool {
	for _, known := range All {
		if c == known {
			return true
		}
	}
	return false
}
