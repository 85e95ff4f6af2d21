package user_agent_test

import (
	"testing"

	"workstats/internal/pkg/user_agent"
)

func TestParseUserAgent(t *testing.T) {
	testCases := []struct {
		name            string
		userAgent       string
		expectedOS      string
		expectedMobile  bool
		expectedTablet  bool
		expectedDesktop bool
		expectedBot     bool
	}{
		{
			name:            "Chrome on Windows",
			userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			expectedOS:      "Windows",
			expectedDesktop: true,
		},
		{
			name:           "Safari on iPhone",
			userAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedOS:     "iOS",
			expectedMobile: true,
		},
		{
			name:           "Chrome on Android",
			userAgent:      "Mozilla/5.0 (Linux; Android 11; SM-G998B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.120 Mobile Safari/537.36",
			expectedOS:     "Android",
			expectedMobile: true,
		},
		{
			name:           "Android tablet",
			userAgent:      "Mozilla/5.0 (Linux; Android 12; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/103.0.0.0 Safari/537.36",
			expectedOS:     "Android",
			expectedTablet: true,
		},
		{
			name:           "Safari on iPad",
			userAgent:      "Mozilla/5.0 (iPad; CPU OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedOS:     "iPadOS",
			expectedTablet: true,
		},
		{
			name:        "Baidu spider",
			userAgent:   "Mozilla/5.0 (compatible; Baiduspider/2.0; +http://www.baidu.com/search/spider.html)",
			expectedOS:  "Unknown",
			expectedBot: true,
		},
		{
			name:       "Empty",
			userAgent:  "",
			expectedOS: "Unknown",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := user_agent.ParseUserAgent(tc.userAgent)

			t.Logf("Parsed - OS: %s, Device: %s, Mobile: %v, Tablet: %v, Desktop: %v, Bot: %v",
				result.OS, result.Device, result.Mobile, result.Tablet, result.Desktop, result.Bot)

			if result.OS != tc.expectedOS {
				t.Errorf("Expected OS %s, got %s", tc.expectedOS, result.OS)
			}
			if result.Mobile != tc.expectedMobile {
				t.Errorf("Expected mobile %v, got %v", tc.expectedMobile, result.Mobile)
			}
			if result.Tablet != tc.expectedTablet {
				t.Errorf("Expected tablet %v, got %v", tc.expectedTablet, result.Tablet)
			}
			if result.Desktop != tc.expectedDesktop {
				t.Errorf("Expected desktop %v, got %v", tc.expectedDesktop, result.Desktop)
			}
			if result.Bot != tc.expectedBot {
				t.Errorf("Expected bot %v, got %v", tc.expectedBot, result.Bot)
			}
		})
	}
}
