package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/substratehq/substrate/pkg/types"
)

// KernelType is an allowed (mode, language) combination, e.g. "worker-python"
type KernelType struct {
	Mode     types.KernelMode     `yaml:"mode"`
	Language types.KernelLanguage `yaml:"language"`
}

// String renders the "<mode>-<language>" form used by environment variables
func (k KernelType) String() string {
	return fmt.Sprintf("%s-%s", k.Mode, k.Language)
}

// ParseKernelType parses "<mode>-<language>", e.g. "worker-python".
// The main-thread mode is spelled "main" in the list form.
func ParseKernelType(s string) (KernelType, error) {
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return KernelType{}, fmt.Errorf("invalid kernel type %q", s)
	}
	mode := types.KernelMode(s[:idx])
	if mode == "main" {
		mode = types.KernelModeMain
	}
	lang := types.KernelLanguage(s[idx+1:])
	switch mode {
	case types.KernelModeWorker, types.KernelModeMain:
	default:
		return KernelType{}, fmt.Errorf("unknown kernel mode %q", s[:idx])
	}
	switch lang {
	case types.LanguagePython, types.LanguageTypeScript, types.LanguageJavaScript:
	default:
		return KernelType{}, fmt.Errorf("unknown kernel language %q", s[idx+1:])
	}
	return KernelType{Mode: mode, Language: lang}, nil
}

// ParseKernelTypeList parses a comma-separated kernel type list
func ParseKernelTypeList(s string) ([]KernelType, error) {
	var out []KernelType
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kt, err := ParseKernelType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, kt)
	}
	return out, nil
}

// Kernels configures the kernel manager
type Kernels struct {
	AllowedTypes         []KernelType  `yaml:"allowedTypes"`
	MaxPerNamespace      int           `yaml:"maxPerNamespace"`
	InactivityTimeout    time.Duration `yaml:"inactivityTimeout"`
	ActivityMonitoring   bool          `yaml:"activityMonitoring"`
	HistoryDirectory     string        `yaml:"historyDirectory"`
	PythonCommand        string        `yaml:"pythonCommand"`
	NodeCommand          string        `yaml:"nodeCommand"`
	StartupTimeout       time.Duration `yaml:"startupTimeout"`
	InterruptGracePeriod time.Duration `yaml:"interruptGracePeriod"`
}

// Pool configures the pre-start kernel pool
type Pool struct {
	Enabled        bool         `yaml:"enabled"`
	Size           int          `yaml:"size"`
	AutoRefill     bool         `yaml:"autoRefill"`
	PreloadConfigs []KernelType `yaml:"preloadConfigs"`
}

// VectorDB configures the vector index manager
type VectorDB struct {
	MaxInstances       int           `yaml:"maxInstances"`
	OffloadDirectory   string        `yaml:"offloadDirectory"`
	InactivityTimeout  time.Duration `yaml:"inactivityTimeout"`
	ActivityMonitoring bool          `yaml:"activityMonitoring"`
	DefaultProvider    string        `yaml:"defaultProvider"`
	OllamaHost         string        `yaml:"ollamaHost"`
}

// Agents configures the agent manager
type Agents struct {
	ModelBaseURL          string  `yaml:"modelBaseUrl"`
	ModelAPIKey           string  `yaml:"modelApiKey"`
	ModelName             string  `yaml:"modelName"`
	ModelTemperature      float32 `yaml:"modelTemperature"`
	DataDirectory         string  `yaml:"dataDirectory"`
	MaxAgents             int     `yaml:"maxAgents"`
	AutoSaveConversations bool    `yaml:"autoSaveConversations"`
	MaxStepsCap           int     `yaml:"maxStepsCap"`
}

// Config is the full engine configuration. Construction is side-effect free:
// no directories are created until a component first writes.
type Config struct {
	APIAddr  string    `yaml:"apiAddr"`
	LogLevel string    `yaml:"logLevel"`
	LogJSON  bool      `yaml:"logJson"`
	Kernels  Kernels   `yaml:"kernels"`
	Pool     Pool      `yaml:"pool"`
	VectorDB VectorDB  `yaml:"vectordb"`
	Agents   Agents    `yaml:"agents"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		APIAddr:  ":8787",
		LogLevel: "info",
		Kernels: Kernels{
			AllowedTypes: []KernelType{
				{Mode: types.KernelModeWorker, Language: types.LanguagePython},
				{Mode: types.KernelModeWorker, Language: types.LanguageTypeScript},
				{Mode: types.KernelModeWorker, Language: types.LanguageJavaScript},
			},
			MaxPerNamespace:      5,
			InactivityTimeout:    30 * time.Minute,
			ActivityMonitoring:   true,
			PythonCommand:        "python3",
			NodeCommand:          "node",
			StartupTimeout:       20 * time.Second,
			InterruptGracePeriod: 2 * time.Second,
		},
		Pool: Pool{
			Enabled:    true,
			Size:       2,
			AutoRefill: true,
			PreloadConfigs: []KernelType{
				{Mode: types.KernelModeWorker, Language: types.LanguagePython},
			},
		},
		VectorDB: VectorDB{
			MaxInstances:       10,
			OffloadDirectory:   "./vectordb_offload",
			InactivityTimeout:  30 * time.Minute,
			ActivityMonitoring: true,
			DefaultProvider:    "mock-model",
			OllamaHost:         "http://localhost:11434",
		},
		Agents: Agents{
			ModelName:             "gpt-4o-mini",
			ModelTemperature:      0.7,
			DataDirectory:         "./agent_data",
			MaxAgents:             10,
			AutoSaveConversations: true,
			MaxStepsCap:           10,
		},
	}
}

// LoadFile overlays a YAML config file onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadEnv overlays recognized environment variables onto c.
// Environment values win over file values.
func (c *Config) LoadEnv() error {
	var errs []string

	if v := os.Getenv("API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		c.LogJSON = v == "true"
	}

	if v := os.Getenv("ALLOWED_KERNEL_TYPES"); v != "" {
		kts, err := ParseKernelTypeList(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ALLOWED_KERNEL_TYPES: %v", err))
		} else {
			c.Kernels.AllowedTypes = kts
		}
	}
	if v := os.Getenv("MAX_KERNELS_PER_NAMESPACE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kernels.MaxPerNamespace = n
		} else {
			errs = append(errs, fmt.Sprintf("MAX_KERNELS_PER_NAMESPACE: %v", err))
		}
	}
	if v := os.Getenv("HISTORY_DIRECTORY"); v != "" {
		c.Kernels.HistoryDirectory = v
	}

	if v := os.Getenv("KERNEL_POOL_ENABLED"); v != "" {
		c.Pool.Enabled = v != "false"
	}
	if v := os.Getenv("KERNEL_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.Size = n
		} else {
			errs = append(errs, fmt.Sprintf("KERNEL_POOL_SIZE: %v", err))
		}
	}
	if v := os.Getenv("KERNEL_POOL_AUTO_REFILL"); v != "" {
		c.Pool.AutoRefill = v != "false"
	}
	if v := os.Getenv("KERNEL_POOL_PRELOAD_CONFIGS"); v != "" {
		kts, err := ParseKernelTypeList(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("KERNEL_POOL_PRELOAD_CONFIGS: %v", err))
		} else {
			c.Pool.PreloadConfigs = kts
		}
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.VectorDB.DefaultProvider = v
	}
	if v := os.Getenv("MAX_VECTOR_DB_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VectorDB.MaxInstances = n
		} else {
			errs = append(errs, fmt.Sprintf("MAX_VECTOR_DB_INSTANCES: %v", err))
		}
	}
	if v := os.Getenv("VECTORDB_OFFLOAD_DIRECTORY"); v != "" {
		c.VectorDB.OffloadDirectory = v
	}
	if v := os.Getenv("VECTORDB_DEFAULT_INACTIVITY_TIMEOUT"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.VectorDB.InactivityTimeout = time.Duration(ms) * time.Millisecond
		} else {
			errs = append(errs, fmt.Sprintf("VECTORDB_DEFAULT_INACTIVITY_TIMEOUT: %v", err))
		}
	}
	if v := os.Getenv("VECTORDB_ACTIVITY_MONITORING"); v != "" {
		c.VectorDB.ActivityMonitoring = v != "false"
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.VectorDB.OllamaHost = v
	}

	if v := os.Getenv("AGENT_MODEL_BASE_URL"); v != "" {
		c.Agents.ModelBaseURL = v
	}
	if v := os.Getenv("AGENT_MODEL_API_KEY"); v != "" {
		c.Agents.ModelAPIKey = v
	}
	if v := os.Getenv("AGENT_MODEL_NAME"); v != "" {
		c.Agents.ModelName = v
	}
	if v := os.Getenv("AGENT_MODEL_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Agents.ModelTemperature = float32(f)
		} else {
			errs = append(errs, fmt.Sprintf("AGENT_MODEL_TEMPERATURE: %v", err))
		}
	}
	if v := os.Getenv("AGENT_DATA_DIRECTORY"); v != "" {
		c.Agents.DataDirectory = v
	}
	if v := os.Getenv("MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agents.MaxAgents = n
		} else {
			errs = append(errs, fmt.Sprintf("MAX_AGENTS: %v", err))
		}
	}
	if v := os.Getenv("AUTO_SAVE_CONVERSATIONS"); v != "" {
		c.Agents.AutoSaveConversations = v != "false"
	}
	if v := os.Getenv("AGENT_MAX_STEPS_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agents.MaxStepsCap = n
		} else {
			errs = append(errs, fmt.Sprintf("AGENT_MAX_STEPS_CAP: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional
// config file, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TypeAllowed reports whether the (mode, language) pair is in the allow-list
func (k *Kernels) TypeAllowed(mode types.KernelMode, lang types.KernelLanguage) bool {
	for _, kt := range k.AllowedTypes {
		if kt.Mode == mode && kt.Language == lang {
			return true
		}
	}
	return false
}
