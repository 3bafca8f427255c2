package activedirectory

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

const (
	// filetimeTicksPerSecond is the FILETIME resolution: 100ns ticks.
	filetimeTicksPerSecond = 10000000
	// filetimeUnixEpochSeconds spans 1601-01-01 to 1970-01-01 UTC.
	filetimeUnixEpochSeconds = 11644473600
)

// generalizedTimeLayout is the rendering Active Directory uses for
// whenCreated and whenChanged.
const generalizedTimeLayout = "20060102150405.0Z"

// generalizedTimeLayouts lists accepted parse layouts; servers always emit
// the first, the rest tolerate other RFC 4517 renderings.
var generalizedTimeLayouts = []string{
	generalizedTimeLayout,
	"20060102150405Z",
	"20060102150405.0-0700",
	"20060102150405-0700",
}

// filetimeToTime converts a FILETIME tick count to UTC time. Zero and
// MaxInt64 are directory sentinels meaning "never" and map to the zero
// time.
func filetimeToTime(ticks int64) time.Time {
	if ticks == 0 || ticks == math.MaxInt64 {
		return time.Time{}
	}

	secs := ticks/filetimeTicksPerSecond - filetimeUnixEpochSeconds
	nsecs := (ticks % filetimeTicksPerSecond) * 100

	return time.Unix(secs, nsecs).UTC()
}

// timeToFiletime is the inverse of filetimeToTime. The zero time encodes
// as 0. Sub-tick precision (below 100ns) is truncated.
func timeToFiletime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return (t.Unix()+filetimeUnixEpochSeconds)*filetimeTicksPerSecond + int64(t.Nanosecond())/100
}

func parseGeneralizedTime(value string) (time.Time, error) {
	for _, layout := range generalizedTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized GeneralizedTime '%s'", value)
}

func formatGeneralizedTime(t time.Time) string {
	return t.UTC().Format(generalizedTimeLayout)
}

// parseDirectoryBool interprets the directory boolean literals TRUE and
// FALSE, ignoring case.
func parseDirectoryBool(value string) (bool, error) {
	switch strings.ToUpper(value) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}

	return false, fmt.Errorf("invalid boolean value '%s': want TRUE or FALSE", value)
}

func formatDirectoryBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// coerceGUIDValue accepts either the 16-byte wire form or a textual GUID
// as found in LDIF exports.
func coerceGUIDValue(raw []byte) (uuid.UUID, error) {
	if len(raw) == GUIDBytesLength {
		return GUIDFromBytes(raw)
	}

	return ParseGUID(string(raw))
}

// coerceSIDValue accepts either the binary wire form or a textual
// S-1-5-... value.
func coerceSIDValue(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty SID value")
	}

	if strings.HasPrefix(string(raw), "S-") {
		sid := string(raw)
		if err := ValidateSIDString(sid); err != nil {
			return "", err
		}
		return sid, nil
	}

	return SIDToString(raw)
}

// coerceFromEntry interprets the named attribute of an entry into its
// domain value per the schema: time.Time for timestamps, int64 for
// integers, bool for flags, uuid.UUID for GUIDs, string SIDs, []string
// for lists, []byte for binary payloads. Attributes absent from both the
// entry and the schema yield (nil, nil) and plain strings respectively.
func coerceFromEntry(schema Schema, entry *ldap.Entry, name string) (any, error) {
	attrSchema, known := schema.Lookup(name)
	lookupName := name
	if known {
		lookupName = attrSchema.Name
	}

	values := entry.GetAttributeValues(lookupName)
	rawValues := entry.GetRawAttributeValues(lookupName)
	if len(values) == 0 && len(rawValues) == 0 {
		return nil, nil
	}

	if !known {
		if len(values) == 1 {
			return values[0], nil
		}
		return copyStrings(values), nil
	}

	switch attrSchema.Type {
	case TypeString:
		return values[0], nil

	case TypeStringList, TypeDNList:
		return copyStrings(values), nil

	case TypeInt:
		n, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return nil, newCoercionError(name, fmt.Sprintf("invalid integer value '%s'", values[0]), err)
		}
		return n, nil

	case TypeBool:
		b, err := parseDirectoryBool(values[0])
		if err != nil {
			return nil, newCoercionError(name, err.Error(), nil)
		}
		return b, nil

	case TypeFiletime:
		ticks, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return nil, newCoercionError(name, fmt.Sprintf("invalid FILETIME value '%s'", values[0]), err)
		}
		return filetimeToTime(ticks), nil

	case TypeGeneralizedTime:
		t, err := parseGeneralizedTime(values[0])
		if err != nil {
			return nil, newCoercionError(name, err.Error(), nil)
		}
		return t, nil

	case TypeGUID:
		guid, err := coerceGUIDValue(firstRawValue(rawValues, values))
		if err != nil {
			return nil, newCoercionError(name, "invalid GUID value", err)
		}
		return guid, nil

	case TypeSID:
		if attrSchema.MultiValued {
			sids := make([]string, 0, len(rawValues))
			for _, raw := range rawValues {
				sid, err := coerceSIDValue(raw)
				if err != nil {
					return nil, newCoercionError(name, "invalid SID value", err)
				}
				sids = append(sids, sid)
			}
			return sids, nil
		}
		sid, err := coerceSIDValue(firstRawValue(rawValues, values))
		if err != nil {
			return nil, newCoercionError(name, "invalid SID value", err)
		}
		return sid, nil

	case TypeBinary:
		if attrSchema.MultiValued {
			out := make([][]byte, 0, len(rawValues))
			for _, raw := range rawValues {
				out = append(out, append([]byte(nil), raw...))
			}
			return out, nil
		}
		return append([]byte(nil), firstRawValue(rawValues, values)...), nil

	default:
		return values[0], nil
	}
}

// coerceToWire converts a domain value into the string values carried by a
// modify operation. The read-only check runs before any conversion so
// writes to system-maintained attributes fail without touching the wire.
// A nil value encodes as an empty value list, which clears the attribute.
func coerceToWire(schema Schema, name string, value any) ([]string, error) {
	attrSchema, known := schema.Lookup(name)
	if known && attrSchema.ReadOnly {
		return nil, newNotWritableError(name)
	}

	if value == nil {
		return []string{}, nil
	}

	if !known {
		switch v := value.(type) {
		case string:
			return []string{v}, nil
		case []string:
			return copyStrings(v), nil
		case fmt.Stringer:
			return []string{v.String()}, nil
		}
		return nil, newCoercionError(name, fmt.Sprintf("unsupported value type %T for unknown attribute", value), nil)
	}

	switch attrSchema.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, typeMismatchError(name, "string", value)
		}
		return []string{s}, nil

	case TypeStringList:
		switch v := value.(type) {
		case string:
			return []string{v}, nil
		case []string:
			return copyStrings(v), nil
		}
		return nil, typeMismatchError(name, "string or []string", value)

	case TypeDNList:
		var dns []string
		switch v := value.(type) {
		case string:
			dns = []string{v}
		case []string:
			dns = copyStrings(v)
		default:
			return nil, typeMismatchError(name, "DN string or []string", value)
		}
		for _, dn := range dns {
			if err := ValidateDN(dn); err != nil {
				return nil, newCoercionError(name, fmt.Sprintf("invalid DN '%s'", dn), err)
			}
		}
		return dns, nil

	case TypeInt:
		n, err := toInt64(value)
		if err != nil {
			return nil, newCoercionError(name, err.Error(), nil)
		}
		return []string{strconv.FormatInt(n, 10)}, nil

	case TypeBool:
		switch v := value.(type) {
		case bool:
			return []string{formatDirectoryBool(v)}, nil
		case string:
			b, err := parseDirectoryBool(v)
			if err != nil {
				return nil, newCoercionError(name, err.Error(), nil)
			}
			return []string{formatDirectoryBool(b)}, nil
		}
		return nil, typeMismatchError(name, "bool", value)

	case TypeFiletime:
		switch v := value.(type) {
		case time.Time:
			return []string{strconv.FormatInt(timeToFiletime(v), 10)}, nil
		case int64:
			return []string{strconv.FormatInt(v, 10)}, nil
		case int:
			return []string{strconv.FormatInt(int64(v), 10)}, nil
		}
		return nil, typeMismatchError(name, "time.Time or raw tick count", value)

	case TypeGeneralizedTime:
		t, ok := value.(time.Time)
		if !ok {
			return nil, typeMismatchError(name, "time.Time", value)
		}
		return []string{formatGeneralizedTime(t)}, nil

	case TypeGUID:
		switch v := value.(type) {
		case uuid.UUID:
			return []string{string(guidWireBytes(v))}, nil
		case string:
			b, err := GUIDToBytes(v)
			if err != nil {
				return nil, newCoercionError(name, "invalid GUID value", err)
			}
			return []string{string(b)}, nil
		}
		return nil, typeMismatchError(name, "uuid.UUID or GUID string", value)

	case TypeSID:
		return nil, newCoercionError(name, "binary SID values cannot be encoded for writing", nil)

	case TypeBinary:
		switch v := value.(type) {
		case []byte:
			return []string{string(v)}, nil
		case [][]byte:
			out := make([]string, 0, len(v))
			for _, b := range v {
				out = append(out, string(b))
			}
			return out, nil
		case string:
			return []string{v}, nil
		}
		return nil, typeMismatchError(name, "[]byte", value)
	}

	return nil, newCoercionError(name, fmt.Sprintf("unsupported attribute type %s", attrSchema.Type), nil)
}

func typeMismatchError(name, want string, got any) *DirectoryError {
	return newCoercionError(name, fmt.Sprintf("expected %s, got %T", want, got), nil)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("integer value %d overflows int64", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer value '%s'", v)
		}
		return n, nil
	}

	return 0, fmt.Errorf("expected integer, got %T", value)
}

func firstRawValue(rawValues [][]byte, values []string) []byte {
	if len(rawValues) > 0 {
		return rawValues[0]
	}
	if len(values) > 0 {
		return []byte(values[0])
	}
	return nil
}

func copyStrings(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	return out
}
