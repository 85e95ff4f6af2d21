package user_agent

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

type UserAgent struct {
	UserAgent string
	OS        string
	Device    string
	Mobile    bool
	Tablet    bool
	Desktop   bool
	Bot       bool
}

// Embed the rule files
//
//go:embed database/platforms.yml
//go:embed database/bots.yml
var databaseFiles embed.FS

// Platform entry structure
type PlatformEntry struct {
	Regex  string `yaml:"regex"`
	OS     string `yaml:"os"`
	Device string `yaml:"device"`
}

// Bot entry structure
type BotEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

// Global parser instance
var (
	parser *Parser
	once   sync.Once
)

type Parser struct {
	platforms  []PlatformEntry
	bots       []BotEntry
	regexCache *RegexCache
}

func getParser() *Parser {
	once.Do(func() {
		parser = &Parser{regexCache: newRegexCache()}

		if data, err := databaseFiles.ReadFile("database/platforms.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.platforms); err != nil {
				fmt.Printf("Error parsing platforms.yml: %v\n", err)
			}
		}

		if data, err := databaseFiles.ReadFile("database/bots.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.bots); err != nil {
				fmt.Printf("Error parsing bots.yml: %v\n", err)
			}
		}
	})
	return parser
}

func (p *Parser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		if regex, err := p.regexCache.get(p.bots[i].Regex); err == nil {
			if regex.MatchString(userAgent) {
				return &p.bots[i]
			}
		}
	}
	return nil
}

func (p *Parser) parsePlatform(userAgent string) (string, string) {
	for _, entry := range p.platforms {
		if regex, err := p.regexCache.get(entry.Regex); err == nil {
			if regex.MatchString(userAgent) {
				return entry.OS, entry.Device
			}
		}
	}

	// Fallback detection based on user agent patterns
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "tablet"):
		return "Unknown", "tablet"
	case strings.Contains(ua, "mobile"):
		return "Unknown", "smartphone"
	case strings.HasPrefix(ua, "mozilla/"):
		return "Unknown", "desktop"
	}
	return "Unknown", ""
}

// ParseUserAgent classifies a raw user agent string by platform and form factor.
func ParseUserAgent(userAgent string) UserAgent {
	if strings.TrimSpace(userAgent) == "" {
		return UserAgent{OS: "Unknown"}
	}

	p := getParser()

	if bot := p.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent: userAgent,
			OS:        "Unknown",
			Device:    "Bot",
			Bot:       true,
		}
	}

	os, device := p.parsePlatform(userAgent)

	return UserAgent{
		UserAgent: userAgent,
		OS:        os,
		Device:    device,
		Mobile:    device == "smartphone",
		Tablet:    device == "tablet",
		Desktop:   device == "desktop",
	}
}
