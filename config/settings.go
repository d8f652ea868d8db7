package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server     ServerSettings     `json:"server"`
	Providers  []ProviderSettings `json:"providers"`
	Metadata   MetadataSettings   `json:"metadata"`
	Cache      CacheSettings      `json:"cache"`
	Fetch      FetchSettings      `json:"fetch"`
	Solver     SolverSettings     `json:"solver"`
	Database   DatabaseSettings   `json:"database"`
	Supervisor SupervisorSettings `json:"supervisor"`
	Log        LogConfig          `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// BaseURL is the externally reachable prefix used when wrapping opaque
	// resolve URLs. Empty means derive from the incoming request.
	BaseURL string `json:"baseUrl"`
}

// ProviderSettings enables and tunes one upstream source.
type ProviderSettings struct {
	Name           string `json:"name"`
	Type           string `json:"type"` // "moviedrive", "vidsrc"
	URL            string `json:"url,omitempty"`
	Enabled        bool   `json:"enabled"`
	TimeoutSec     int    `json:"timeoutSec,omitempty"`     // per-provider ceiling, default 20
	PreferFresh    bool   `json:"preferFresh,omitempty"`    // background refresh overwrites cached links
	SolverFirst    bool   `json:"solverFirst,omitempty"`    // permanently challenged hosts go through the solver directly
	StreamTTLHours int    `json:"streamTtlHours,omitempty"` // discovery cache TTL override
}

type MetadataSettings struct {
	// URL of the MetaService (Cinemeta-compatible). Empty uses the default.
	URL        string `json:"url,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

type CacheSettings struct {
	MetadataTTLHours  int `json:"metadataTtlHours"`
	StreamTTLHours    int `json:"streamTtlHours"`
	ResolveTTLMinutes int `json:"resolveTtlMinutes"`
	MaxEntriesPerNS   int `json:"maxEntriesPerNamespace"`
}

type FetchSettings struct {
	TimeoutSec   int    `json:"timeoutSec"`
	Retries      int    `json:"retries"`
	MaxBodyBytes int64  `json:"maxBodyBytes"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
}

type SolverSettings struct {
	URL           string `json:"url,omitempty"`
	TimeoutSec    int    `json:"timeoutSec,omitempty"`
	SessionTTLMin int    `json:"sessionTtlMinutes,omitempty"`
	CookieTTLMin  int    `json:"cookieTtlMinutes,omitempty"`
}

type DatabaseSettings struct {
	Path string `json:"path"`
}

type SupervisorSettings struct {
	Workers        int `json:"workers"`        // 0 = auto
	IOMultiplier   int `json:"ioMultiplier"`   // workers = cpu * ioMultiplier when auto
	MaxWorkers     int `json:"maxWorkers"`
	PerWorkerMB    int `json:"perWorkerMb"`    // memory budget divisor for auto sizing
	MemoryBudgetMB int `json:"memoryBudgetMb"` // 0 = unbounded
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns the configuration written on first run.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 7777,
		},
		Providers: []ProviderSettings{
			{Name: "MovieDrive", Type: "moviedrive", Enabled: true, TimeoutSec: 20},
			{Name: "VidSrc", Type: "vidsrc", Enabled: true, TimeoutSec: 20},
		},
		Metadata: MetadataSettings{TimeoutSec: 8},
		Cache: CacheSettings{
			MetadataTTLHours:  1,
			StreamTTLHours:    6,
			ResolveTTLMinutes: 15,
			MaxEntriesPerNS:   2048,
		},
		Fetch: FetchSettings{
			TimeoutSec:   8,
			Retries:      1,
			MaxBodyBytes: 2 << 20,
		},
		Solver: SolverSettings{
			TimeoutSec:    60,
			SessionTTLMin: 10,
			CookieTTLMin:  25,
		},
		Database: DatabaseSettings{
			Path: filepath.Join("cache", "streamgate.db"),
		},
		Supervisor: SupervisorSettings{
			IOMultiplier: 2,
			MaxWorkers:   8,
			PerWorkerMB:  256,
		},
		Log: LogConfig{
			MaxSize:    20,
			MaxAge:     14,
			MaxBackups: 3,
		},
	}
}

func (c CacheSettings) MetadataTTL() time.Duration {
	if c.MetadataTTLHours <= 0 {
		return time.Hour
	}
	return time.Duration(c.MetadataTTLHours) * time.Hour
}

func (c CacheSettings) StreamTTL() time.Duration {
	if c.StreamTTLHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.StreamTTLHours) * time.Hour
}

func (c CacheSettings) ResolveTTL() time.Duration {
	if c.ResolveTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.ResolveTTLMinutes) * time.Minute
}

func (p ProviderSettings) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

func (p ProviderSettings) StreamTTL(fallback time.Duration) time.Duration {
	if p.StreamTTLHours <= 0 {
		return fallback
	}
	return time.Duration(p.StreamTTLHours) * time.Hour
}

func (f FetchSettings) Timeout() time.Duration {
	if f.TimeoutSec <= 0 {
		return 8 * time.Second
	}
	return time.Duration(f.TimeoutSec) * time.Second
}

func (f FetchSettings) BodyCap() int64 {
	if f.MaxBodyBytes <= 0 {
		return 2 << 20
	}
	return f.MaxBodyBytes
}

func (s SolverSettings) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

func (s SolverSettings) SessionTTL() time.Duration {
	if s.SessionTTLMin <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.SessionTTLMin) * time.Minute
}

func (s SolverSettings) CookieTTL() time.Duration {
	if s.CookieTTLMin <= 0 {
		return 25 * time.Minute
	}
	return time.Duration(s.CookieTTLMin) * time.Minute
}

// Manager loads and persists the settings file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir creates the directory containing the config file if needed.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings from disk or creates defaults if missing, then applies
// environment overrides.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	var settings Settings
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		settings = DefaultSettings()
		if err := m.Save(settings); err != nil {
			return Settings{}, err
		}
	} else {
		f, err := os.Open(m.path)
		if err != nil {
			return Settings{}, err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&settings); err != nil {
			return Settings{}, err
		}
	}
	applyEnvOverrides(&settings)
	return settings, nil
}

// Save writes the settings atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}

// applyEnvOverrides lets deployment knobs win over the settings file.
func applyEnvOverrides(s *Settings) {
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Supervisor.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_SOLVER_URL")); v != "" {
		s.Solver.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_PROXY_URL")); v != "" {
		s.Fetch.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_DB_PATH")); v != "" {
		s.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_BASE_URL")); v != "" {
		s.Server.BaseURL = v
	}
}
