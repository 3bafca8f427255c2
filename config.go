package activedirectory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	MaxConnectionPoolLimit = 100

	// DefaultResolverCacheSize bounds the number of memoized object
	// resolutions per session.
	DefaultResolverCacheSize = 1024
)

// Config holds everything needed to open a directory session: where the
// domain controllers are, how to authenticate, and the operational limits
// for the connection layer. Zero values are filled from the defaults tags;
// Connect applies defaults and validates before dialing.
type Config struct {
	// Connection settings
	Domain  string        // Domain for SRV discovery
	URLs    []string      // Direct LDAP URLs (override SRV discovery)
	BaseDN  string        // Search base; empty means the RootDSE defaultNamingContext
	Timeout time.Duration `default:"30s"` // Connection and per-operation timeout

	// Authentication settings
	Username       string // Bind identity (DN, UPN, or SAM format)
	Password       string // Password for simple bind
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosCCache string // Path to Kerberos credential cache
	KerberosConfig string // Path to krb5.conf
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// KDC auto-discovery. When no krb5.conf exists and a realm is known, a
	// runtime configuration is generated that locates KDCs via DNS SRV.
	KerberosDNSLookupKDC   bool `default:"true"`
	KerberosDNSLookupRealm bool

	// TLS settings
	TLSConfig         *tls.Config
	UseTLS            bool   `default:"true"` // Negotiate TLS (LDAPS or StartTLS)
	SkipTLS           bool   // Plaintext, for lab use only
	TLSClientCertFile string // Client certificate for external auth
	TLSClientKeyFile  string

	// Pool settings
	MaxConnections int           `default:"10"`
	MaxIdleTime    time.Duration `default:"5m"`
	HealthCheck    time.Duration `default:"30s"` // Background check interval; negative disables

	// Retry settings (applied inside the backend only; the query and
	// object layers above never retry)
	MaxRetries     int           `default:"3"`
	InitialBackoff time.Duration `default:"500ms"`
	MaxBackoff     time.Duration `default:"30s"`
	BackoffFactor  float64       `default:"2.0"`

	// Search settings
	PageSize uint32 `default:"1000"` // Paged-results page size

	// Cache settings
	CacheSize int `default:"1024"` // Resolver memo capacity; entries have no TTL

	// Schema resolves attribute types for coercion. Nil means the built-in
	// well-known attribute schema.
	Schema Schema

	// Logger receives structured events from every layer. Nil means silent.
	Logger Logger
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		panic(fmt.Sprintf("activedirectory: defaults: %v", err))
	}
	config.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return config
}

// withDefaults fills unset fields. Connection-layer validation happens
// separately, so sessions running against an injected backend need no
// Domain or URLs.
func (c *Config) withDefaults() (*Config, error) {
	if c == nil {
		c = &Config{}
	}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.Logger == nil {
		c.Logger = NewNopLogger()
	}
	if c.Schema == nil {
		c.Schema = DefaultSchema()
	}
	return c, nil
}

// Validate checks the configuration for values the connection layer cannot
// work with. It does not verify reachability or credentials.
func (c *Config) Validate() error {
	if c.Domain == "" && len(c.URLs) == 0 {
		return errors.New("either Domain or URLs must be set")
	}

	if c.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if c.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if c.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if c.Timeout <= 0 {
		return errors.New("Timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if c.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	if c.PageSize == 0 {
		return errors.New("PageSize must be positive")
	}

	if c.CacheSize <= 0 {
		return errors.New("CacheSize must be positive")
	}

	return nil
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // Username/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
	AuthMethodExternal                     // External/certificate authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AuthMethod determines the authentication method from the configuration.
// Kerberos takes precedence, then simple bind, then client certificates.
func (c *Config) AuthMethod() AuthMethod {
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "") {
		return AuthMethodKerberos
	}

	if c.Username != "" && c.Password != "" {
		return AuthMethodSimpleBind
	}

	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}

	return AuthMethodSimpleBind
}

// HasAuthentication checks if any authentication method is configured.
// Without one, the session binds anonymously.
func (c *Config) HasAuthentication() bool {
	hasPassword := c.Username != "" && c.Password != ""
	hasKerberos := c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "")
	hasExternal := c.TLSClientCertFile != "" && c.TLSClientKeyFile != ""

	return hasPassword || hasKerberos || hasExternal
}

// logger returns the configured logger, or a nop logger when unset.
func (c *Config) logger() Logger {
	if c.Logger == nil {
		return NewNopLogger()
	}
	return c.Logger
}
