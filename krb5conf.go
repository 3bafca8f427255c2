package activedirectory

import (
	"fmt"
	"os"
	"strings"
)

// runtimeKrb5Conf renders a krb5.conf that locates KDCs through DNS SRV
// records, for hosts that carry no Kerberos configuration of their own.
func runtimeKrb5Conf(cfg *Config) (string, error) {
	if cfg.KerberosRealm == "" {
		return "", fmt.Errorf("kerberos realm is required for KDC auto-discovery")
	}

	realm := strings.ToUpper(cfg.KerberosRealm)
	domain := strings.ToLower(cfg.KerberosRealm)
	if cfg.Domain != "" {
		domain = strings.ToLower(cfg.Domain)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = %t
    dns_lookup_realm = %t
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[realms]
    %s = {
        # KDCs resolved through DNS SRV records
    }

[domain_realm]
    .%s = %s
    %s = %s
`,
		realm,
		cfg.KerberosDNSLookupKDC,
		cfg.KerberosDNSLookupRealm,
		realm,
		domain, realm,
		domain, realm,
	), nil
}

// writeRuntimeKrb5Conf materializes the generated configuration for
// libraries that read krb5.conf from a path. The caller owns the returned
// file and removes it once the Kerberos client has loaded it.
func writeRuntimeKrb5Conf(cfg *Config) (string, error) {
	content, err := runtimeKrb5Conf(cfg)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "krb5-*.conf")
	if err != nil {
		return "", fmt.Errorf("write runtime krb5.conf: %w", err)
	}

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write runtime krb5.conf: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write runtime krb5.conf: %w", err)
	}

	return f.Name(), nil
}

// realmFromDomain derives the conventional Kerberos realm for a directory
// domain: the domain name uppercased.
func realmFromDomain(domain string) string {
	return strings.ToUpper(domain)
}
