package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the local media proxy.
// It covers the proxy listen surface, upstream fetch discipline, cache and
// session bounds, and the per-source adapter extraction rules.
type Config struct {
	ListenAddr       string          // Listen address, loopback only (e.g. "127.0.0.1:8089")
	BaseURL          string          // Base URL the player reaches the proxy on, used when rewriting manifests
	CacheBudgetMB    int64           // Total segment cache byte budget in MB
	CacheTTL         time.Duration   // Default segment expiry when upstream sends no cache headers
	PageCacheTTL     time.Duration   // Expiry for cached catalog pages and probe results
	SessionTTL       time.Duration   // Idle time after which a session is swept
	SweepInterval    time.Duration   // How often the session registry sweep runs
	ConnectTimeout   time.Duration   // Upstream TLS/connect timeout
	FetchTimeout     time.Duration   // Total per-request upstream timeout
	MaxRetries       int             // Retry attempts for transient upstream failures
	RetryDelay       time.Duration   // Minimum backoff between retries (doubles per attempt)
	RateLimitPerHost int             // Upstream requests per second allowed per host
	WorkerThreads    int             // Worker pool size for background segment prefetch
	PrefetchSegments int             // Number of leading media segments warmed after a manifest rewrite
	Debug            bool            // Enable debug logging
	ObfuscateUrls    bool            // Obfuscate upstream URLs in logs
	Adapters         []AdapterConfig // Per-source extraction rules, tried in Order
}

// AdapterConfig describes the extraction rules for a single scraped source.
// The rules are data, not code: selectors and patterns live here so markup
// churn on a source site is a config change, not a resolver change.
type AdapterConfig struct {
	Name           string        `json:"name"`           // Descriptive adapter name
	Order          int           `json:"order"`          // Priority order, lower tried first
	BaseURL        string        `json:"baseURL"`        // Scheme+host of the catalog site
	PagePath       string        `json:"pagePath"`       // Catalog page path template, "{id}" replaced by the content id
	UserAgent      string        `json:"userAgent"`      // User-Agent sent to this source
	Referer        string        `json:"referer"`        // Referer header, also injected on segment fetches
	Origin         string        `json:"origin"`         // Origin header, empty to omit
	ItemSelector   string        `json:"itemSelector"`   // CSS selector for elements carrying direct stream URLs
	ItemAttr       string        `json:"itemAttr"`       // Attribute on matched elements holding the URL (default "src")
	IframeSelector string        `json:"iframeSelector"` // CSS selector for embed/iframe hops
	IframeAttr     string        `json:"iframeAttr"`     // Attribute holding the embed URL (default "src")
	ScriptPatterns []string      `json:"scriptPatterns"` // Regexes run over inline scripts; first capture group is the candidate URL
	MirrorSelector string        `json:"mirrorSelector"` // CSS selector for alternate mirror links
	MirrorAttr     string        `json:"mirrorAttr"`     // Attribute holding the mirror URL (default "href")
	MaxHops        int           `json:"maxHops"`        // Embed chain hop cap, guards hostile redirect loops
	ProbeTimeout   time.Duration `json:"-"`              // Per-candidate probe budget, parsed from file
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields (e.g. "30m") are parsed into time.Duration
// values.
type ConfigFile struct {
	ListenAddr       string              `json:"listenAddr"`
	BaseURL          string              `json:"baseURL"`
	CacheBudgetMB    int64               `json:"cacheBudgetMB"`
	CacheTTL         string              `json:"cacheTTL"`
	PageCacheTTL     string              `json:"pageCacheTTL"`
	SessionTTL       string              `json:"sessionTTL"`
	SweepInterval    string              `json:"sweepInterval"`
	ConnectTimeout   string              `json:"connectTimeout"`
	FetchTimeout     string              `json:"fetchTimeout"`
	MaxRetries       int                 `json:"maxRetries"`
	RetryDelay       string              `json:"retryDelay"`
	RateLimitPerHost int                 `json:"rateLimitPerHost"`
	WorkerThreads    int                 `json:"workerThreads"`
	PrefetchSegments int                 `json:"prefetchSegments"`
	Debug            bool                `json:"debug"`
	ObfuscateUrls    bool                `json:"obfuscateUrls"`
	Adapters         []AdapterConfigFile `json:"adapters"`
}

// AdapterConfigFile is the JSON shape of a single adapter entry.
type AdapterConfigFile struct {
	Name           string   `json:"name"`
	Order          int      `json:"order"`
	BaseURL        string   `json:"baseURL"`
	PagePath       string   `json:"pagePath"`
	UserAgent      string   `json:"userAgent"`
	Referer        string   `json:"referer"`
	Origin         string   `json:"origin"`
	ItemSelector   string   `json:"itemSelector"`
	ItemAttr       string   `json:"itemAttr"`
	IframeSelector string   `json:"iframeSelector"`
	IframeAttr     string   `json:"iframeAttr"`
	ScriptPatterns []string `json:"scriptPatterns"`
	MirrorSelector string   `json:"mirrorSelector"`
	MirrorAttr     string   `json:"mirrorAttr"`
	MaxHops        int      `json:"maxHops"`
	ProbeTimeout   string   `json:"probeTimeout"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is where LoadConfig looks when the VIDGATE_CONFIG environment
// variable is unset.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from VIDGATE_CONFIG, falling back to DefaultPath.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("VIDGATE_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Adapters: %d configured", len(config.Adapters))
		for i := range config.Adapters {
			a := &config.Adapters[i]
			log.Printf("    Adapter %d (%s): %s (order: %d, max hops: %d)",
				i+1, a.Name, a.BaseURL, a.Order, a.MaxHops)
		}
		log.Printf("  Cache budget: %d MB", config.CacheBudgetMB)
		log.Printf("  Session TTL: %s", config.SessionTTL)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// parseDuration parses a duration string, treating empty as zero so the
// validation pass can fill the default.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings
// into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:       cf.ListenAddr,
		BaseURL:          cf.BaseURL,
		CacheBudgetMB:    cf.CacheBudgetMB,
		MaxRetries:       cf.MaxRetries,
		RateLimitPerHost: cf.RateLimitPerHost,
		WorkerThreads:    cf.WorkerThreads,
		PrefetchSegments: cf.PrefetchSegments,
		Debug:            cf.Debug,
		ObfuscateUrls:    cf.ObfuscateUrls,
	}

	var err error
	if config.CacheTTL, err = parseDuration("cacheTTL", cf.CacheTTL); err != nil {
		return nil, err
	}
	if config.PageCacheTTL, err = parseDuration("pageCacheTTL", cf.PageCacheTTL); err != nil {
		return nil, err
	}
	if config.SessionTTL, err = parseDuration("sessionTTL", cf.SessionTTL); err != nil {
		return nil, err
	}
	if config.SweepInterval, err = parseDuration("sweepInterval", cf.SweepInterval); err != nil {
		return nil, err
	}
	if config.ConnectTimeout, err = parseDuration("connectTimeout", cf.ConnectTimeout); err != nil {
		return nil, err
	}
	if config.FetchTimeout, err = parseDuration("fetchTimeout", cf.FetchTimeout); err != nil {
		return nil, err
	}
	if config.RetryDelay, err = parseDuration("retryDelay", cf.RetryDelay); err != nil {
		return nil, err
	}

	config.Adapters = make([]AdapterConfig, len(cf.Adapters))
	for i, af := range cf.Adapters {
		a := &config.Adapters[i]
		a.Name = af.Name
		a.Order = af.Order
		a.BaseURL = af.BaseURL
		a.PagePath = af.PagePath
		a.UserAgent = af.UserAgent
		a.Referer = af.Referer
		a.Origin = af.Origin
		a.ItemSelector = af.ItemSelector
		a.ItemAttr = af.ItemAttr
		a.IframeSelector = af.IframeSelector
		a.IframeAttr = af.IframeAttr
		a.ScriptPatterns = af.ScriptPatterns
		a.MirrorSelector = af.MirrorSelector
		a.MirrorAttr = af.MirrorAttr
		a.MaxHops = af.MaxHops

		if a.ProbeTimeout, err = parseDuration(fmt.Sprintf("probeTimeout for adapter %s", af.Name), af.ProbeTimeout); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:8089",
		BaseURL:          "http://127.0.0.1:8089",
		CacheBudgetMB:    64,
		CacheTTL:         2 * time.Minute,
		PageCacheTTL:     5 * time.Minute,
		SessionTTL:       10 * time.Minute,
		SweepInterval:    time.Minute,
		ConnectTimeout:   15 * time.Second,
		FetchTimeout:     30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       500 * time.Millisecond,
		RateLimitPerHost: 10,
		WorkerThreads:    8,
		PrefetchSegments: 3,
		Debug:            false,
		ObfuscateUrls:    false,
		Adapters:         []AdapterConfig{},
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8089"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://" + config.ListenAddr
	}
	if config.CacheBudgetMB <= 0 {
		config.CacheBudgetMB = 64
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 2 * time.Minute
	}
	if config.PageCacheTTL <= 0 {
		config.PageCacheTTL = 5 * time.Minute
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 15 * time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.RateLimitPerHost <= 0 {
		config.RateLimitPerHost = 10
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.PrefetchSegments < 0 {
		config.PrefetchSegments = 0
	}

	// Validate each adapter
	for i := range config.Adapters {
		a := &config.Adapters[i]
		if a.Name == "" {
			a.Name = fmt.Sprintf("Adapter_%d", i+1)
		}
		if a.Order <= 0 {
			a.Order = i + 1
		}
		if a.PagePath == "" {
			a.PagePath = "/watch/{id}"
		}
		if a.ItemAttr == "" {
			a.ItemAttr = "src"
		}
		if a.IframeAttr == "" {
			a.IframeAttr = "src"
		}
		if a.MirrorAttr == "" {
			a.MirrorAttr = "href"
		}
		if a.MaxHops <= 0 || a.MaxHops > 10 {
			a.MaxHops = 5
		}
		if a.ProbeTimeout <= 0 {
			a.ProbeTimeout = 10 * time.Second
		}
		if a.UserAgent == "" {
			a.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
		}
		// Referer and Origin may remain empty
	}
}

// AdaptersByOrder returns a copy of the adapters sorted by their Order field.
// The original slice remains unmodified.
func (c *Config) AdaptersByOrder() []AdapterConfig {
	adapters := make([]AdapterConfig, len(c.Adapters))
	copy(adapters, c.Adapters)

	// Simple bubble sort (sufficient since the number of adapters is small)
	for i := 0; i < len(adapters)-1; i++ {
		for j := i + 1; j < len(adapters); j++ {
			if adapters[i].Order > adapters[j].Order {
				adapters[i], adapters[j] = adapters[j], adapters[i]
			}
		}
	}

	return adapters
}

// CacheBudgetBytes returns the segment cache budget in bytes.
func (c *Config) CacheBudgetBytes() int64 {
	return c.CacheBudgetMB * 1024 * 1024
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:       "127.0.0.1:8089",
		BaseURL:          "http://127.0.0.1:8089",
		CacheBudgetMB:    64,
		CacheTTL:         "2m",
		PageCacheTTL:     "5m",
		SessionTTL:       "10m",
		SweepInterval:    "1m",
		ConnectTimeout:   "15s",
		FetchTimeout:     "30s",
		MaxRetries:       3,
		RetryDelay:       "500ms",
		RateLimitPerHost: 10,
		WorkerThreads:    8,
		PrefetchSegments: 3,
		Debug:            false,
		ObfuscateUrls:    true,
		Adapters: []AdapterConfigFile{
			{
				Name:           "Primary Catalog",
				Order:          1,
				BaseURL:        "https://example-catalog.com",
				PagePath:       "/watch/{id}",
				UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				Referer:        "https://example-catalog.com/",
				ItemSelector:   "video source",
				ItemAttr:       "src",
				IframeSelector: "iframe.player-embed",
				IframeAttr:     "src",
				ScriptPatterns: []string{`file:\s*"(https?://[^"]+\.m3u8[^"]*)"`},
				MirrorSelector: "ul.servers-list a",
				MirrorAttr:     "data-url",
				MaxHops:        5,
				ProbeTimeout:   "10s",
			},
			{
				Name:           "Backup Catalog",
				Order:          2,
				BaseURL:        "https://backup-catalog.net",
				PagePath:       "/embed/{id}",
				UserAgent:      "Mozilla/5.0 (Smart TV; Linux)",
				Referer:        "https://backup-catalog.net/player",
				Origin:         "https://backup-catalog.net",
				ScriptPatterns: []string{`"sources":\s*\[\{"file":"(https?:[^"]+)"`},
				MaxHops:        3,
				ProbeTimeout:   "10s",
			},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil. Forces a reload on the next
// LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
