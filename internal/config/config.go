package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gelgate/gelgate/internal/auth"
)

// Config is the top-level configuration for the gateway core.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Auth        AuthDefaults      `yaml:"auth"`
	Credentials []CredentialEntry `yaml:"credentials"`
}

// ListenConfig defines the ports, bind address and TLS material the
// gateway's embedder binds its listeners with.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	GelPort      int    `yaml:"gel_port"`
	Bind         string `yaml:"bind"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// AuthDefaults holds the auth-timeout and SSL-requirement knobs applied
// across every connection this core drives.
type AuthDefaults struct {
	Timeout       time.Duration `yaml:"timeout"`
	PGSslRequired bool          `yaml:"pg_ssl_required"`
}

// CredentialEntry describes one user's stored credential, as it appears
// in the config file. Password is the cleartext the operator configured;
// Compile derives the stored representation (salted MD5 digest, SCRAM
// verifier, ...) once at load time rather than on every connection.
type CredentialEntry struct {
	User     string `yaml:"user"`
	Database string `yaml:"database,omitempty"`
	Branch   string `yaml:"branch,omitempty"`
	AuthType string `yaml:"auth_type"`
	Password string `yaml:"password,omitempty"`
}

// Compile derives this entry's auth.CredentialData using the same
// deterministic construction rules NewCredentialData applies everywhere.
func (e CredentialEntry) Compile() (auth.CredentialData, error) {
	at, err := parseAuthType(e.AuthType)
	if err != nil {
		return nil, fmt.Errorf("credential %q: %w", e.User, err)
	}
	return auth.NewCredentialData(at, e.User, e.Password), nil
}

func parseAuthType(s string) (auth.AuthType, error) {
	switch s {
	case "deny":
		return auth.Deny, nil
	case "trust":
		return auth.Trust, nil
	case "plain":
		return auth.Plain, nil
	case "md5":
		return auth.Md5, nil
	case "scram-sha-256":
		return auth.ScramSha256, nil
	default:
		return auth.Deny, fmt.Errorf("unsupported auth_type %q", s)
	}
}

// Redacted returns a copy of the entry with the password masked, for
// logging the loaded config without leaking secrets.
func (e CredentialEntry) Redacted() CredentialEntry {
	c := e
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 5432
	}
	if cfg.Listen.GelPort == 0 {
		cfg.Listen.GelPort = 5656
	}
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "127.0.0.1"
	}
	if cfg.Auth.Timeout == 0 {
		cfg.Auth.Timeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Credentials))
	for i, entry := range cfg.Credentials {
		if entry.User == "" {
			return fmt.Errorf("credentials[%d]: user is required", i)
		}
		if seen[entry.User] {
			return fmt.Errorf("credentials[%d]: duplicate user %q", i, entry.User)
		}
		seen[entry.User] = true
		if entry.Database != "" && entry.Branch != "" {
			return fmt.Errorf("credentials[%d] (%s): database and branch are mutually exclusive", i, entry.User)
		}
		if _, err := parseAuthType(entry.AuthType); err != nil {
			return fmt.Errorf("credentials[%d] (%s): %w", i, entry.User, err)
		}
		if entry.AuthType != "deny" && entry.AuthType != "trust" && entry.Password == "" {
			return fmt.Errorf("credentials[%d] (%s): password is required for auth_type %q", i, entry.User, entry.AuthType)
		}
	}
	return nil
}

// CompileCredentials compiles every entry into a user -> CredentialData
// table, suitable for an Embedder.LookupAuth implementation backed by
// this config.
func (c *Config) CompileCredentials() (map[string]auth.CredentialData, error) {
	out := make(map[string]auth.CredentialData, len(c.Credentials))
	for _, entry := range c.Credentials {
		cred, err := entry.Compile()
		if err != nil {
			return nil, err
		}
		out[entry.User] = cred
	}
	return out, nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
