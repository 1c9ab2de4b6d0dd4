package device

import (
	"os"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// SeedServer is one pre-bootstrap LWM2M Server/Security pairing, loaded
// from a YAML seed-config file. A device that already knows its server
// (factory-provisioned, or PSK-based "smart-card" bootstrap per spec.md
// §4.1's Non-goals) skips the Bootstrap interface entirely and registers
// straight away.
type SeedServer struct {
	ServerID  uint16 `yaml:"server_id"`
	URI       string `yaml:"uri"`
	Lifetime  int    `yaml:"lifetime"`
	Security  string `yaml:"security"` // "none", "psk", "rpk"
	Identity  string `yaml:"identity,omitempty"`
	PSKKeyHex string `yaml:"psk_key_hex,omitempty"`
}

// SeedConfig is the on-disk shape read by cmd/lwm2m-client,
// cmd/lwm2m-bootstrap and by
// embedders of this package, per spec.md §4.1's Security/Server Object
// seeding and §9's ambient-config expansion.
type SeedConfig struct {
	EndpointName string       `yaml:"endpoint_name"`
	BootstrapURI string       `yaml:"bootstrap_uri,omitempty"`
	Servers      []SeedServer `yaml:"servers,omitempty"`
}

// LoadSeedConfig reads and parses a YAML seed-config file.
func LoadSeedConfig(path string) (*SeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// cachedSeed is the CBOR-on-disk mirror of the last SeedConfig saved
// with SaveSeedCache, used to skip a re-bootstrap after a
// restart when nothing has changed.
type cachedSeed struct {
	Config    SeedConfig `cbor:"config"`
	Generation int       `cbor:"generation"`
}

// SaveSeedCache persists cfg as the last-known-good seed, CBOR-encoded,
// for fast restart per spec.md §9.
func SaveSeedCache(path string, cfg SeedConfig, generation int) error {
	data, err := cbor.Marshal(cachedSeed{Config: cfg, Generation: generation})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSeedCache reads back a previously saved cache, or reports ok=false
// if none exists yet.
func LoadSeedCache(path string) (cfg SeedConfig, generation int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedConfig{}, 0, false
	}
	var cached cachedSeed
	if err := cbor.Unmarshal(data, &cached); err != nil {
		return SeedConfig{}, 0, false
	}
	return cached.Config, cached.Generation, true
}
