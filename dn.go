package activedirectory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeDNValue escapes special characters in a DN attribute value per
// RFC 4514: the characters , + " \ < > ; always, a leading #, leading and
// trailing spaces, and NUL bytes (as \00).
//
// Examples:
//   - "Doe, John" → "Doe\, John"
//   - " John "    → "\ John\ "
//   - "#123"      → "\#123"
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '#':
			if i == 0 {
				b.WriteRune('\\')
			}
			b.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				b.WriteRune('\\')
			}
			b.WriteRune(r)
		case 0:
			b.WriteString("\\00")
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// UnescapeDNValue reverses EscapeDNValue, resolving both single-character
// escapes (\,) and hex-pair escapes (\2C). Malformed trailing escapes are
// preserved verbatim.
func UnescapeDNValue(value string) string {
	if !strings.Contains(value, "\\") {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))

	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}

		if i+3 <= len(value) {
			if hex, err := strconv.ParseUint(value[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(hex))
				i += 2
				continue
			}
		}

		if i+1 < len(value) {
			b.WriteByte(value[i+1])
			i++
			continue
		}

		b.WriteByte('\\')
	}

	return b.String()
}

// NeedsDNEscaping reports whether a value contains characters that require
// DN escaping, allowing callers to skip the copy when none is needed.
func NeedsDNEscaping(value string) bool {
	if value == "" {
		return false
	}

	if value[0] == ' ' || value[len(value)-1] == ' ' || value[0] == '#' {
		return true
	}

	for _, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', 0:
			return true
		}
	}

	return false
}

// NormalizeDNCase normalizes the attribute type descriptors in a
// distinguished name to uppercase, matching Active Directory's canonical
// rendering.
//
// Input:  "cn=john,ou=users,dc=example,dc=com"
// Output: "CN=john,OU=users,DC=example,DC=com"
//
// Attribute values keep their original case; only the type descriptors
// change.
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	return reconstructDN(parsed), nil
}

// NormalizeDNCaseBatch normalizes a slice of DNs, failing on the first
// malformed entry.
func NormalizeDNCaseBatch(dns []string) ([]string, error) {
	if len(dns) == 0 {
		return dns, nil
	}

	normalized := make([]string, len(dns))
	for i, dn := range dns {
		n, err := NormalizeDNCase(dn)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize DN '%s': %w", dn, err)
		}
		normalized[i] = n
	}

	return normalized, nil
}

// reconstructDN rebuilds a parsed DN with uppercase attribute types and
// re-escaped values. ParseDN strips RFC 4514 escaping, so values must be
// escaped again on the way out.
func reconstructDN(parsed *ldap.DN) string {
	rdns := make([]string, 0, len(parsed.RDNs))

	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, fmt.Sprintf("%s=%s", strings.ToUpper(attr.Type), EscapeDNValue(attr.Value)))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}

	return strings.Join(rdns, ",")
}

// ValidateDN validates that a string is a well-formed distinguished name.
func ValidateDN(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}

// ExtractRDNValue extracts the value of the first RDN component with the
// given attribute type. Extracting "CN" from
// "CN=John Doe,OU=Users,DC=example,DC=com" returns "John Doe".
func ExtractRDNValue(dn, attrType string) (string, error) {
	if dn == "" {
		return "", fmt.Errorf("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}

	return "", fmt.Errorf("attribute type '%s' not found in DN '%s'", attrType, dn)
}

// ParentDN returns the DN with its first RDN removed:
// "CN=John,OU=Users,DC=example,DC=com" becomes "OU=Users,DC=example,DC=com".
// Returns an error when the DN has no parent.
func ParentDN(dn string) (string, error) {
	if dn == "" {
		return "", fmt.Errorf("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	if len(parsed.RDNs) <= 1 {
		return "", fmt.Errorf("DN has no parent: %s", dn)
	}

	return reconstructDN(&ldap.DN{RDNs: parsed.RDNs[1:]}), nil
}

// IsDNChild reports whether childDN sits anywhere beneath parentDN.
func IsDNChild(childDN, parentDN string) (bool, error) {
	if childDN == "" || parentDN == "" {
		return false, fmt.Errorf("DNs cannot be empty")
	}

	parsedChild, err := ldap.ParseDN(childDN)
	if err != nil {
		return false, fmt.Errorf("invalid child DN syntax: %w", err)
	}

	parsedParent, err := ldap.ParseDN(parentDN)
	if err != nil {
		return false, fmt.Errorf("invalid parent DN syntax: %w", err)
	}

	return parsedParent.AncestorOfFold(parsedChild), nil
}

// EqualDN reports whether two DNs identify the same entry, ignoring the
// case of both attribute types and values.
func EqualDN(a, b string) bool {
	parsedA, errA := ldap.ParseDN(a)
	parsedB, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return canonicalDNKey(a) == canonicalDNKey(b)
	}

	return parsedA.EqualFold(parsedB)
}

// canonicalDNKey reduces a DN to a case-insensitive canonical form suitable
// for map and cache keys. Unparseable input degrades to trimmed lowercase.
func canonicalDNKey(dn string) string {
	normalized, err := NormalizeDNCase(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}

	return strings.ToLower(normalized)
}
