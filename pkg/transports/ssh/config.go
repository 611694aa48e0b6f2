package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the connection settings for one remote host. It is
// usually assembled from a credential profile plus per-chunk keyword
// arguments.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port, 22 when zero.
	Port int

	// User is the SSH username.
	User string

	// Password enables password authentication when set.
	Password string

	// PrivateKey is an inline PEM private key. Takes precedence over
	// PrivateKeyPath.
	PrivateKey string

	// PrivateKeyPath is the path to a private key file.
	PrivateKeyPath string

	// Passphrase decrypts an encrypted private key.
	Passphrase string

	// KnownHostsPath is the known_hosts file used for host key
	// verification when StrictHostKey is set.
	KnownHostsPath string

	// StrictHostKey rejects hosts missing from known_hosts. Off by
	// default because runs routinely address freshly created machines.
	StrictHostKey bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout bounds a single command when the caller's context
	// has no earlier deadline. Zero means no transport-level bound.
	CommandTimeout time.Duration
}

const defaultConnectTimeout = 30 * time.Second

// FromProfile builds a Config from a credential profile mapping. The
// recognized keys mirror the Config fields in snake_case; unknown keys
// are ignored so profiles can carry provider-specific extras.
func FromProfile(profile map[string]any) *Config {
	cfg := &Config{}
	if profile == nil {
		return cfg
	}
	if v, ok := profile["host"].(string); ok {
		cfg.Host = v
	}
	switch v := profile["port"].(type) {
	case int:
		cfg.Port = v
	case float64:
		cfg.Port = int(v)
	}
	if v, ok := profile["user"].(string); ok {
		cfg.User = v
	}
	if v, ok := profile["password"].(string); ok {
		cfg.Password = v
	}
	if v, ok := profile["private_key"].(string); ok {
		cfg.PrivateKey = v
	}
	if v, ok := profile["private_key_path"].(string); ok {
		cfg.PrivateKeyPath = v
	}
	if v, ok := profile["passphrase"].(string); ok {
		cfg.Passphrase = v
	}
	if v, ok := profile["known_hosts"].(string); ok {
		cfg.KnownHostsPath = v
	}
	if v, ok := profile["strict_host_key"].(bool); ok {
		cfg.StrictHostKey = v
	}
	return cfg
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Password == "" && c.PrivateKey == "" && c.PrivateKeyPath == "" {
		// Fall back to the conventional key locations.
		home := os.Getenv("HOME")
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			path := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(path); err == nil {
				c.PrivateKeyPath = path
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no authentication configured: need password, private_key or private_key_path")
		}
	}
	if c.StrictHostKey && c.KnownHostsPath == "" {
		c.KnownHostsPath = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

// BuildClientConfig translates the Config into an ssh.ClientConfig.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	keyBytes, err := c.keyMaterial()
	if err != nil {
		return nil, err
	}
	if keyBytes != nil {
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
		// Many sshd configurations only offer keyboard-interactive.
		password := c.Password
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKey {
		hostKey, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// keyMaterial returns the private key bytes, nil when key auth is not
// configured.
func (c *Config) keyMaterial() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.PrivateKeyPath == "" {
		return nil, nil
	}
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return keyBytes, nil
}

// Address returns the dial address (host:port).
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}
