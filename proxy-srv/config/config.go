// Package config loads the proxy's deployment configuration: listen
// address, timeouts, CA key material paths, and the optional audit
// backend. Configuration is read from an HCL document and then
// overridden by environment variables, the same two-layer precedence
// the rest of this module's ecosystem uses for deployment config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
)

// Config is the complete set of values needed to run a Server.
type Config struct {
	ListenAddress  string          `hcl:"listen_address,optional"`
	TimeoutSeconds int             `hcl:"timeout_seconds,optional"`
	CAFile         string          `hcl:"ca_file,optional"`
	CAKeyFile      string          `hcl:"ca_key_file,optional"`
	CASubject      *CASubjectBlock `hcl:"ca_subject,block"`
	Audit          *AuditBlock     `hcl:"audit,block"`
}

// CASubjectBlock is the "ca_subject" HCL block: the subject fields
// used when a new CA is generated because CAFile/CAKeyFile don't
// exist yet; converted to proxy-srv/tlsca.CASubject when loading the
// store. Ignored when the CA files already exist.
type CASubjectBlock struct {
	Country      string `hcl:"country,optional"`
	State        string `hcl:"state,optional"`
	Locality     string `hcl:"locality,optional"`
	Organization string `hcl:"organization,optional"`
	CommonName   string `hcl:"common_name,optional"`
}

// AuditBlock is the "audit" HCL block; callers convert it to
// proxy-srv/audit.Config when constructing a Collector.
type AuditBlock struct {
	Driver string `hcl:"driver,optional"`
	DSN    string `hcl:"dsn,optional"`
}

// Default returns the configuration used when no file is supplied: a
// loopback listener, a generous 30 second timeout, CA material
// alongside the working directory, and auditing disabled.
func Default() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:8080",
		TimeoutSeconds: 30,
		CAFile:         "ca.pem",
		CAKeyFile:      "ca-key.pem",
	}
}

// Load reads configPath (HCL) if non-empty, falling back to Default,
// then applies HTTPMITM_* environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := hclsimple.DecodeFile(configPath, nil, cfg); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", configPath, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func (cfg *Config) ensureAudit() *AuditBlock {
	if cfg.Audit == nil {
		cfg.Audit = &AuditBlock{}
	}
	return cfg.Audit
}

// AuditDriver and AuditDSN return the configured audit backend,
// tolerating a nil Audit block (auditing disabled).
func (cfg *Config) AuditDriver() string {
	if cfg.Audit == nil {
		return ""
	}
	return cfg.Audit.Driver
}

func (cfg *Config) AuditDSN() string {
	if cfg.Audit == nil {
		return ""
	}
	return cfg.Audit.DSN
}

// CASubjectFields returns the configured CA subject fields, tolerating
// a nil CASubject block.
func (cfg *Config) CASubjectFields() CASubjectBlock {
	if cfg.CASubject == nil {
		return CASubjectBlock{}
	}
	return *cfg.CASubject
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTPMITM_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("HTTPMITM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		} else {
			logger.Warn("ignoring invalid HTTPMITM_TIMEOUT_SECONDS=%q", v)
		}
	}
	if v := os.Getenv("HTTPMITM_CA_FILE"); v != "" {
		cfg.CAFile = v
	}
	if v := os.Getenv("HTTPMITM_CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("HTTPMITM_AUDIT_DRIVER"); v != "" {
		cfg.ensureAudit().Driver = v
	}
	if v := os.Getenv("HTTPMITM_AUDIT_DSN"); v != "" {
		cfg.ensureAudit().DSN = v
	}
}
