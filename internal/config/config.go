// Package config is the daemon configuration of spec.md §6.4 ("list of
// supported vendor models, each with OUI, scan-name regex, default touch
// mode, enabled/disabled flag") plus the per-service timeouts and recovery
// ceiling spec.md §5 and §7 leave as tunables.
//
// This replaces the teacher's hand-written pkg/config.DefaultConfig with a
// YAML file loaded via gopkg.in/yaml.v3 and zero-value seeding via
// github.com/mcuadros/go-defaults struct tags, the way SPEC_FULL.md §2
// describes.
package config

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/sky-uk/blercud/internal/blercuerror"
)

// VendorModel describes one supported remote-control hardware model
// (spec.md §6.4).
type VendorModel struct {
	Name            string `yaml:"name"`
	OUI             string `yaml:"oui"`
	ScanNameRegex   string `yaml:"scan_name_regex"`
	DefaultTouchMode uint32 `yaml:"default_touch_mode" default:"0"`
	Enabled         bool   `yaml:"enabled" default:"true"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	AdapterPath string `yaml:"adapter_path" default:"/org/bluez/hci0"`
	LogLevel    string `yaml:"log_level" default:"info"`

	// ServicesResolveTimeout bounds spec.md §4.2's ResolvingServices state.
	ServicesResolveTimeout time.Duration `yaml:"services_resolve_timeout" default:"30s"`
	// RecoveryCeiling bounds spec.md §5/§7's per-device recovery counter.
	RecoveryCeiling int `yaml:"recovery_ceiling" default:"100"`
	// PairableTimeoutMs is loaded from the config file but not read by the
	// daemon: the pairable watchdog calls BluetoothAdapter.SetPairable with
	// a timeout of 0.
	PairableTimeoutMs int `yaml:"pairable_timeout_ms" default:"0"`

	// AttributeTimeout is loaded from the config file but not read by the
	// daemon; GATT attributes keep gatt.DefaultTimeout.
	AttributeTimeout time.Duration `yaml:"attribute_timeout" default:"25s"`

	VendorModels []VendorModel `yaml:"vendor_models"`
}

// Default returns a Config with every default tag applied and no vendor
// models configured.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads and parses a YAML config file at path, seeding defaults first
// so a partial file only overrides what it specifies.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, blercuerror.New(blercuerror.FileNotFound, "read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, blercuerror.New(blercuerror.BadFormat, "parse config %s: %v", path, err)
	}
	return c, nil
}

// MatchModel returns the first enabled vendor model whose OUI prefix
// matches address (colon-separated hex octets, case-insensitive), and
// whether one was found.
func (c *Config) MatchModel(address string) (VendorModel, bool) {
	for _, m := range c.VendorModels {
		if !m.Enabled {
			continue
		}
		if len(address) >= len(m.OUI) && equalFoldPrefix(address, m.OUI) {
			return m, true
		}
	}
	return VendorModel{}, false
}

func equalFoldPrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'a' <= a && a <= 'z' {
			a -= 'a' - 'A'
		}
		if 'a' <= b && b <= 'z' {
			b -= 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
