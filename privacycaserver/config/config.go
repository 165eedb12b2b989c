package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
	DefaultAIKValidity    = 8760 * time.Hour
	DefaultDataDir        = "/var/lib/privacyca"
)

type ServerConfig struct {
	PrivacyCA      Authority       `hcl:"privacy_ca,block"`
	EndorsementCA  *Authority      `hcl:"endorsement_ca,block"`
	CaCertificates []CaCertificate `hcl:"ca_certificate,block"`

	ChallengeTTLStr   string `hcl:"challenge_ttl,optional"`
	RequestTimeoutStr string `hcl:"request_timeout,optional"`
	AIKValidityStr    string `hcl:"aik_validity,optional"`
	DataDir           string `hcl:"data_dir,optional"`

	ChallengeTTL   time.Duration
	RequestTimeout time.Duration
	AIKValidity    time.Duration
}

type Authority struct {
	PrivateKey  string `hcl:"private_key"`
	Certificate string `hcl:"certificate"`
}

type CaCertificate struct {
	Kind        string `hcl:"kind,label"`
	Domain      string `hcl:"domain,optional"`
	Certificate string `hcl:"certificate"`
}

// Load reads the HCL file at configPath.
func Load(configPath string) (*ServerConfig, error) {
	var config ServerConfig
	if err := hclsimple.DecodeFile(configPath, nil, &config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Parse decodes HCL source; filename is only used in diagnostics and must
// end in .hcl.
func Parse(filename string, src []byte) (*ServerConfig, error) {
	var config ServerConfig
	if err := hclsimple.Decode(filename, src, nil, &config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *ServerConfig) setDefaults() error {
	var err error
	if c.ChallengeTTL, err = parseDuration("challenge_ttl", c.ChallengeTTLStr, DefaultChallengeTTL); err != nil {
		return err
	}
	if c.RequestTimeout, err = parseDuration("request_timeout", c.RequestTimeoutStr, DefaultRequestTimeout); err != nil {
		return err
	}
	if c.AIKValidity, err = parseDuration("aik_validity", c.AIKValidityStr, DefaultAIKValidity); err != nil {
		return err
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	return nil
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, s)
	}
	return d, nil
}
