package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileConfig is the layout of config.toml. Every value is overridden by
// the matching WAN_* environment variable.
type FileConfig struct {
	Server struct {
		Host        string   `toml:"host"`
		Origins     []string `toml:"origins"`
		MaxQueue    int      `toml:"max_queue"`
		KeepOutputs int      `toml:"keep_outputs"`
	} `toml:"server"`

	Models struct {
		Path         string `toml:"path"`
		OffloadModel *bool  `toml:"offload_model"`
		T5CPU        bool   `toml:"t5_cpu"`
	} `toml:"models"`

	Runtime struct {
		ORTLibrary string `toml:"ort_library"`
		ORTCUDA    bool   `toml:"ort_cuda"`
	} `toml:"runtime"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	fileMu     sync.Mutex
	fileLoaded bool
	fileConfig *FileConfig
)

// ConfigPaths returns the candidate config files in priority order.
// WAN_CONFIG, when set, is the only candidate.
func ConfigPaths() []string {
	if p := strings.TrimSpace(os.Getenv("WAN_CONFIG")); p != "" {
		return []string{p}
	}

	var paths []string
	if runtime.GOOS != "windows" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			paths = append(paths, filepath.Join(xdg, "wanvideo", "config.toml"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "wanvideo", "config.toml"),
			filepath.Join(home, ".wanvideo", "config.toml"),
		)
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/wanvideo/config.toml")
	}
	return paths
}

// LoadFile decodes the config file at path.
func LoadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		slog.Warn("unknown keys in config file", "path", path, "keys", undecoded)
	}
	return &cfg, nil
}

func loadFirst() *FileConfig {
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		cfg, err := LoadFile(path)
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
			return nil
		}
		slog.Debug("loaded config file", "path", path)
		return cfg
	}
	return nil
}

// Reload forgets the cached config file so the next lookup reads it again.
func Reload() {
	fileMu.Lock()
	defer fileMu.Unlock()
	fileLoaded, fileConfig = false, nil
}

func fileValue(key string) string {
	fileMu.Lock()
	if !fileLoaded {
		fileConfig, fileLoaded = loadFirst(), true
	}
	cfg := fileConfig
	fileMu.Unlock()

	if cfg == nil {
		return ""
	}

	switch key {
	case "WAN_HOST":
		return cfg.Server.Host
	case "WAN_ORIGINS":
		return strings.Join(cfg.Server.Origins, ",")
	case "WAN_MAX_QUEUE":
		if cfg.Server.MaxQueue > 0 {
			return strconv.Itoa(cfg.Server.MaxQueue)
		}
	case "WAN_KEEP_OUTPUTS":
		if cfg.Server.KeepOutputs > 0 {
			return strconv.Itoa(cfg.Server.KeepOutputs)
		}
	case "WAN_MODELS":
		return cfg.Models.Path
	case "WAN_OFFLOAD_MODEL":
		if cfg.Models.OffloadModel != nil {
			return strconv.FormatBool(*cfg.Models.OffloadModel)
		}
	case "WAN_T5_CPU":
		if cfg.Models.T5CPU {
			return "true"
		}
	case "WAN_ORT_LIBRARY":
		return cfg.Runtime.ORTLibrary
	case "WAN_ORT_CUDA":
		if cfg.Runtime.ORTCUDA {
			return "true"
		}
	case "WAN_DEBUG":
		if cfg.Logging.Debug > 0 {
			return strconv.Itoa(cfg.Logging.Debug)
		}
	}
	return ""
}

// ExampleConfig returns a commented config.toml.
func ExampleConfig() string {
	return `# wanvideo configuration
# Environment variables (WAN_*) take precedence over these values.

[server]
# Listen address (default "127.0.0.1:7860")
host = "127.0.0.1:7860"
# Extra allowed CORS origins
origins = ["http://localhost:3000"]
# Generation requests allowed to wait for the pipeline (default 16)
max_queue = 16
# Finished generations kept for download (default 32)
keep_outputs = 32

[models]
# Checkpoint directory (default "~/.wanvideo/models")
path = "/path/to/Wan2.1-T2V-1.3B"
# Move each network to host memory after use (default true)
offload_model = true
# Keep the text encoder on the CPU (default false)
t5_cpu = false

[runtime]
# onnxruntime shared library
ort_library = "/usr/lib/libonnxruntime.so"
# Use the CUDA execution provider (default false)
ort_cuda = false

[logging]
# 1 for debug, 2 for trace (default 0)
debug = 0
`
}
