package activedirectory

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the wire size of an objectGUID value.
const GUIDBytesLength = 16

// Active Directory stores objectGUID in a mixed-endian layout: the first
// three groups (Data1-Data3) are little-endian, the final eight bytes are
// big-endian. The swap below converts between that layout and the standard
// RFC 4122 byte order, and is its own inverse.
func swapGUIDEndianness(in []byte) []byte {
	out := make([]byte, GUIDBytesLength)

	out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	out[4], out[5] = in[5], in[4]
	out[6], out[7] = in[7], in[6]
	copy(out[8:], in[8:])

	return out
}

// ParseGUID parses a GUID in any of the common textual forms (hyphenated,
// compact hex, braced, URN) into a uuid.UUID.
func ParseGUID(guidString string) (uuid.UUID, error) {
	id, err := uuid.Parse(guidString)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid GUID format %q: %w", guidString, err)
	}
	return id, nil
}

// IsValidGUID checks if a string parses as a GUID in any supported form.
func IsValidGUID(guidString string) bool {
	if guidString == "" {
		return false
	}
	_, err := uuid.Parse(guidString)
	return err == nil
}

// NormalizeGUID converts a GUID string to the canonical lowercase
// hyphenated form.
func NormalizeGUID(guidString string) (string, error) {
	id, err := ParseGUID(guidString)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// GUIDToBytes converts a GUID string to the Active Directory wire layout.
func GUIDToBytes(guidString string) ([]byte, error) {
	id, err := ParseGUID(guidString)
	if err != nil {
		return nil, err
	}
	return guidWireBytes(id), nil
}

// guidWireBytes renders a uuid.UUID in the Active Directory wire layout.
func guidWireBytes(id uuid.UUID) []byte {
	return swapGUIDEndianness(id[:])
}

// GUIDFromBytes converts an Active Directory objectGUID value to a
// uuid.UUID.
func GUIDFromBytes(guidBytes []byte) (uuid.UUID, error) {
	if len(guidBytes) != GUIDBytesLength {
		return uuid.Nil, fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	id, err := uuid.FromBytes(swapGUIDEndianness(guidBytes))
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode GUID bytes: %w", err)
	}

	return id, nil
}

// guidSearchFilter builds the binary-match filter AD requires for
// objectGUID lookups.
func guidSearchFilter(guidString string) (string, error) {
	guidBytes, err := GUIDToBytes(guidString)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("(objectGUID=%s)", ldap.EscapeFilter(string(guidBytes))), nil
}

// extractGUID pulls the objectGUID off an entry. Active Directory returns
// the raw 16-byte value; entries that passed through LDIF or a non-AD
// server may carry the textual form instead, which is accepted as a
// fallback.
func extractGUID(entry *ldap.Entry) (uuid.UUID, error) {
	if entry == nil {
		return uuid.Nil, fmt.Errorf("LDAP entry cannot be nil")
	}

	raw := entry.GetRawAttributeValue("objectGUID")
	if len(raw) == GUIDBytesLength {
		return GUIDFromBytes(raw)
	}

	if text := entry.GetAttributeValue("objectGUID"); text != "" {
		if id, err := uuid.Parse(text); err == nil {
			return id, nil
		}
	}

	return uuid.Nil, fmt.Errorf("objectGUID attribute not found in entry %s", entry.DN)
}
