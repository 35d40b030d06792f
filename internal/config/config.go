package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all listener configuration
type Config struct {
	Listener   ListenerConfig   `mapstructure:"listener"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Market     MarketConfig     `mapstructure:"market"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
}

type ListenerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type ClassifierConfig struct {
	URL            string `mapstructure:"url"`
	Model          string `mapstructure:"model"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxChars       int    `mapstructure:"max_chars"`
	MinLength      int    `mapstructure:"min_length"`
}

type MarketConfig struct {
	BirdeyeURL     string `mapstructure:"birdeye_url"`
	DexScreenerURL string `mapstructure:"dexscreener_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type MonitorConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	MaxTokenAgeHours int `mapstructure:"max_token_age_hours"`
	BatchLimit       int `mapstructure:"batch_limit"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type BridgeConfig struct {
	WSURL            string `mapstructure:"ws_url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	BufferSize       int    `mapstructure:"buffer_size"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 10000)
	v.SetDefault("classifier.url", "https://api.groq.com/openai/v1/chat/completions")
	v.SetDefault("classifier.model", "llama-3.3-70b-versatile")
	v.SetDefault("classifier.api_key_env", "GROQ_API_KEY")
	v.SetDefault("classifier.timeout_seconds", 30)
	v.SetDefault("classifier.max_chars", 1000)
	v.SetDefault("classifier.min_length", 10)
	v.SetDefault("market.birdeye_url", "https://public-api.birdeye.so/defi/token_overview")
	v.SetDefault("market.dexscreener_url", "https://api.dexscreener.com/latest/dex/tokens")
	v.SetDefault("market.api_key_env", "BIRDEYE_API_KEY")
	v.SetDefault("market.timeout_seconds", 10)
	v.SetDefault("monitor.interval_seconds", 30)
	v.SetDefault("monitor.max_token_age_hours", 24)
	v.SetDefault("monitor.batch_limit", 100)
	v.SetDefault("storage.sqlite_path", "./data/listener.db")
	v.SetDefault("bridge.reconnect_delay_ms", 1000)
	v.SetDefault("bridge.buffer_size", 100)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetClassifierAPIKey loads the Groq API key from environment
func (m *Manager) GetClassifierAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Classifier.APIKeyEnv)
}

// GetMarketAPIKey loads the Birdeye API key from environment
func (m *Manager) GetMarketAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Market.APIKeyEnv)
}

// GetClassifierTimeout returns the classifier request timeout as duration
func (m *Manager) GetClassifierTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Classifier.TimeoutSeconds) * time.Second
}

// GetMarketTimeout returns the market request timeout as duration
func (m *Manager) GetMarketTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Market.TimeoutSeconds) * time.Second
}

// GetMonitorInterval returns the price-check interval as duration
func (m *Manager) GetMonitorInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitor.IntervalSeconds) * time.Second
}

// GetMaxTokenAge returns the contract age window as duration
func (m *Manager) GetMaxTokenAge() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitor.MaxTokenAgeHours) * time.Hour
}

// GetReconnectDelay returns the bridge reconnect delay as duration
func (m *Manager) GetReconnectDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Bridge.ReconnectDelayMs) * time.Millisecond
}
