package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/videotuna/wanvideo/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in WAN_HOST")

const defaultPort = "7860"

// Var returns the value of key from the environment with surrounding
// quotes and spaces removed. Unset variables fall back to the config
// file.
func Var(key string) string {
	if v := strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'"); v != "" {
		return strings.TrimSpace(v)
	}
	return fileValue(key)
}

// Host returns the scheme and address the API server listens on.
// WAN_HOST may omit the scheme, the host or the port.
func Host() (*url.URL, error) {
	defaultHost := "127.0.0.1"

	s := Var("WAN_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
	case scheme == "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q in WAN_HOST", scheme)
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}, nil
}

// Models returns the directory holding model checkpoints.
// Configured with WAN_MODELS.
func Models() string {
	if s := Var("WAN_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".wanvideo", "models")
	}
	return filepath.Join(home, ".wanvideo", "models")
}

// LogLevel maps WAN_DEBUG to a level: unset or false is info, true or 1
// is debug and 2 is trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("WAN_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				level = slog.LevelDebug
			}
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			level = slog.Level(i * -4)
			if level < logutil.LevelTrace {
				level = logutil.LevelTrace
			}
		}
	}
	return level
}

// Origins returns the CORS origins allowed by the API server: WAN_ORIGINS
// plus loopback addresses.
func Origins() (origins []string) {
	if s := Var("WAN_ORIGINS"); s != "" {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

// BoolWithDefault parses k as a bool, returning defaultValue when unset
// or unparsable.
func BoolWithDefault(k string, defaultValue bool) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				slog.Warn("invalid boolean setting, ignoring", "key", k, "value", s)
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	return BoolWithDefault(k, false)
}

// Uint parses k as a positive integer, returning defaultValue when unset
// or invalid.
func Uint(k string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(k); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil || n == 0 || n > math.MaxInt32 {
				slog.Warn("invalid setting, ignoring", "key", k, "value", s, "default", defaultValue)
				return defaultValue
			}
			return uint(n)
		}
		return defaultValue
	}
}

func String(k string) func() string {
	return func() string { return Var(k) }
}

var (
	// OffloadModel moves each network back to the host after its stage.
	OffloadModel = BoolWithDefault("WAN_OFFLOAD_MODEL", true)
	// T5CPU keeps the text encoder on the host.
	T5CPU = Bool("WAN_T5_CPU")
	// ORTLibrary is the path of the onnxruntime shared library.
	ORTLibrary = String("WAN_ORT_LIBRARY")
	// ORTCUDA runs sessions with the CUDA execution provider.
	ORTCUDA = Bool("WAN_ORT_CUDA")
	// MaxQueue bounds the generation requests waiting for the pipeline.
	MaxQueue = Uint("WAN_MAX_QUEUE", 16)
	// KeepOutputs is how many finished generations the server retains.
	KeepOutputs = Uint("WAN_KEEP_OUTPUTS", 32)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	host := ""
	if u, err := Host(); err == nil {
		host = u.Host
	}

	return map[string]EnvVar{
		"WAN_HOST":          {"WAN_HOST", host, "IP address for the wanvideo server (default 127.0.0.1:7860)"},
		"WAN_MODELS":        {"WAN_MODELS", Models(), "The path to the models directory"},
		"WAN_DEBUG":         {"WAN_DEBUG", LogLevel(), "Show additional debug information (e.g. WAN_DEBUG=1, WAN_DEBUG=2 for trace)"},
		"WAN_OFFLOAD_MODEL": {"WAN_OFFLOAD_MODEL", OffloadModel(), "Move each network to host memory after use (default true)"},
		"WAN_T5_CPU":        {"WAN_T5_CPU", T5CPU(), "Run the text encoder on the CPU"},
		"WAN_ORT_LIBRARY":   {"WAN_ORT_LIBRARY", ORTLibrary(), "Path to the onnxruntime shared library"},
		"WAN_ORT_CUDA":      {"WAN_ORT_CUDA", ORTCUDA(), "Use the CUDA execution provider"},
		"WAN_MAX_QUEUE":     {"WAN_MAX_QUEUE", MaxQueue(), "Maximum number of queued generation requests (default 16)"},
		"WAN_KEEP_OUTPUTS":  {"WAN_KEEP_OUTPUTS", KeepOutputs(), "Number of finished generations kept by the server (default 32)"},
		"WAN_ORIGINS":       {"WAN_ORIGINS", Origins(), "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
