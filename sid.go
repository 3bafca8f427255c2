package activedirectory

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// SIDToString converts a binary objectSid value to its S-1-5-21-... form.
// The layout is checked before decoding: a revision byte, a subauthority
// count, a 48-bit authority, then count 32-bit subauthorities.
func SIDToString(binarySID []byte) (string, error) {
	if len(binarySID) == 0 {
		return "", fmt.Errorf("binary SID cannot be empty")
	}
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) < want {
		return "", fmt.Errorf("binary SID truncated: got %d bytes, want %d", len(binarySID), want)
	}

	sid := objectsid.Decode(binarySID)

	return sid.String(), nil
}

// ValidateSIDString validates that a string is a properly formatted SID.
func ValidateSIDString(sidString string) error {
	if sidString == "" {
		return fmt.Errorf("SID string cannot be empty")
	}

	if len(sidString) < 5 || !strings.HasPrefix(sidString, "S-") {
		return fmt.Errorf("invalid SID format: must start with 'S-'")
	}

	return nil
}

// IsWellKnownSID checks if the SID belongs to one of the well-known
// authorities (Null, World, Local, Creator, or the built-in service
// accounts).
func IsWellKnownSID(sidString string) bool {
	wellKnownPrefixes := []string{
		"S-1-0",    // Null Authority
		"S-1-1",    // World Authority
		"S-1-2",    // Local Authority
		"S-1-3",    // Creator Authority
		"S-1-4",    // Non-unique Authority
		"S-1-5-18", // Local System
		"S-1-5-19", // Local Service
		"S-1-5-20", // Network Service
	}

	for _, prefix := range wellKnownPrefixes {
		if strings.HasPrefix(sidString, prefix) {
			return true
		}
	}

	return false
}

// extractSID pulls the objectSid off an entry as a string, tolerating both
// the binary value Active Directory returns and the textual form found in
// LDIF exports. Returns "" when the attribute is absent or malformed.
func extractSID(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}

	sidBytes := entry.GetRawAttributeValue("objectSid")
	if len(sidBytes) > 0 && !strings.HasPrefix(string(sidBytes), "S-") {
		if sid, err := SIDToString(sidBytes); err == nil {
			return sid
		}
		return ""
	}

	sidString := entry.GetAttributeValue("objectSid")
	if sidString != "" && ValidateSIDString(sidString) == nil {
		return sidString
	}

	return ""
}
