package testframework

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var TIMEOUT = setTimeout()

func setTimeout() time.Duration {
	if os.Getenv("SLOW_MACHINE") == "1" {
		return 420 * time.Second
	}
	return 150 * time.Second
}

// Config holds the harness wide settings. It is resolved in a fixed order:
// DefaultConfig, then the TOML file, then environment variables. Per-test
// options are applied on top by the factories.
type Config struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	LogLevel       string `toml:"log_level"`

	BitcoindPath   string `toml:"bitcoind_path"`
	LightningdPath string `toml:"lightningd_path"`
	LndPath        string `toml:"lnd_path"`
	SwapdPath      string `toml:"swapd_path"`

	PostgresImage    string `toml:"postgres_image"`
	PostgresTag      string `toml:"postgres_tag"`
	PostgresPassword string `toml:"postgres_password"`

	Swapd SwapdConfig `toml:"swapd"`
}

func DefaultConfig() *Config {
	return &Config{
		TimeoutSeconds:   int(TIMEOUT.Seconds()),
		LogLevel:         "info",
		BitcoindPath:     "bitcoind",
		LightningdPath:   "lightningd",
		LndPath:          "lnd",
		SwapdPath:        "swapd",
		PostgresImage:    "postgres",
		PostgresTag:      "16",
		PostgresPassword: "POSTGRES_PASSWORD",
		Swapd:            DefaultSwapdConfig(),
	}
}

// Timeout is the default budget for readiness and wait operations.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadConfig resolves the harness config. An empty path falls back to the
// SWAPNET_CONFIG environment variable; no file at all is fine.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("SWAPNET_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ReadFile(%s) %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("toml.Unmarshal(%s) %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"SWAPNET_LOG_LEVEL": &c.LogLevel,
		"BITCOIND_PATH":     &c.BitcoindPath,
		"LIGHTNINGD_PATH":   &c.LightningdPath,
		"LND_PATH":          &c.LndPath,
		"SWAPD_PATH":        &c.SwapdPath,
		"POSTGRES_IMAGE":    &c.PostgresImage,
		"POSTGRES_TAG":      &c.PostgresTag,
	}
	for name, field := range strVars {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("SLOW_MACHINE"); ok && v == "1" {
		c.TimeoutSeconds = 420
	}
	if v, ok := lookup("SWAPNET_TIMEOUT_SECONDS"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWAPNET_TIMEOUT_SECONDS: %w", err)
		}
		c.TimeoutSeconds = secs
	}
	return nil
}

// WriteConfig writes a key=value daemon config file. Keys are sorted so that
// the output is stable.
func WriteConfig(filename string, config map[string]string, regtestConfig map[string]string, sectionName string) error {
	var b strings.Builder
	writeSection(&b, config)
	if regtestConfig != nil {
		fmt.Fprintf(&b, "[%s]\n", sectionName)
		writeSection(&b, regtestConfig)
	}
	return os.WriteFile(filename, []byte(b.String()), 0o644)
}

func writeSection(b *strings.Builder, section map[string]string) {
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s\n", k, section[k])
	}
}

// ReadConfig reads a key=value config file. Section headers are ignored, so
// keys of later sections override earlier ones.
func ReadConfig(filename string) (map[string]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	conf := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		conf[parts[0]] = parts[1]
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return conf, nil
}

func mergeMaps(base map[string]string, overrides ...map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, o := range overrides {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}
