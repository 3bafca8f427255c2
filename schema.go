package activedirectory

import (
	"fmt"
	"strings"
)

// AttributeType identifies the domain type an attribute coerces to and
// from. Wire values are always strings or raw bytes; the type decides how
// they are interpreted.
type AttributeType int

const (
	// TypeString is a plain single-valued string.
	TypeString AttributeType = iota
	// TypeStringList is a multi-valued string attribute.
	TypeStringList
	// TypeInt is a decimal integer attribute.
	TypeInt
	// TypeBool is an attribute holding the literals TRUE or FALSE.
	TypeBool
	// TypeFiletime is a Windows FILETIME: 100-nanosecond ticks since
	// 1601-01-01 UTC, transported as a decimal integer.
	TypeFiletime
	// TypeGeneralizedTime is an ASN.1 GeneralizedTime such as
	// 20240131094500.0Z.
	TypeGeneralizedTime
	// TypeGUID is a binary objectGUID value.
	TypeGUID
	// TypeSID is a binary security identifier.
	TypeSID
	// TypeBinary is an opaque byte value.
	TypeBinary
	// TypeDNList is a multi-valued attribute of distinguished names.
	TypeDNList
)

// String returns a human-readable name for the attribute type.
func (t AttributeType) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeStringList:
		return "StringList"
	case TypeInt:
		return "Int"
	case TypeBool:
		return "Bool"
	case TypeFiletime:
		return "Filetime"
	case TypeGeneralizedTime:
		return "GeneralizedTime"
	case TypeGUID:
		return "GUID"
	case TypeSID:
		return "SID"
	case TypeBinary:
		return "Binary"
	case TypeDNList:
		return "DNList"
	default:
		return fmt.Sprintf("AttributeType(%d)", int(t))
	}
}

// AttributeSchema describes how a single directory attribute is coerced.
// ReadOnly marks system-maintained attributes that modify operations must
// reject before touching the wire.
type AttributeSchema struct {
	Name        string
	Type        AttributeType
	MultiValued bool
	ReadOnly    bool
}

// Schema resolves attribute names to their coercion rules. Lookup is
// case-insensitive, matching directory semantics. Attributes missing from
// the schema pass through coercion untouched as strings.
type Schema interface {
	Lookup(name string) (AttributeSchema, bool)
}

// StaticSchema is a Schema backed by a fixed attribute table.
type StaticSchema struct {
	attributes map[string]AttributeSchema
}

// NewStaticSchema builds a schema from an attribute table. Later entries
// with the same name override earlier ones.
func NewStaticSchema(attributes []AttributeSchema) *StaticSchema {
	m := make(map[string]AttributeSchema, len(attributes))
	for _, attr := range attributes {
		m[strings.ToLower(attr.Name)] = attr
	}

	return &StaticSchema{attributes: m}
}

// Lookup returns the schema entry for an attribute name, ignoring case.
func (s *StaticSchema) Lookup(name string) (AttributeSchema, bool) {
	attr, ok := s.attributes[strings.ToLower(name)]
	return attr, ok
}

// canonicalAttributeName maps a caller-cased attribute name to the name the
// schema declares it under, falling back to the caller's spelling for
// attributes the schema does not know.
func canonicalAttributeName(schema Schema, name string) string {
	if attr, ok := schema.Lookup(name); ok {
		return attr.Name
	}
	return name
}

// Extend returns a copy of the schema with additional or overriding
// attribute entries. The receiver is not modified.
func (s *StaticSchema) Extend(attributes ...AttributeSchema) *StaticSchema {
	m := make(map[string]AttributeSchema, len(s.attributes)+len(attributes))
	for k, v := range s.attributes {
		m[k] = v
	}
	for _, attr := range attributes {
		m[strings.ToLower(attr.Name)] = attr
	}

	return &StaticSchema{attributes: m}
}

// defaultAttributes covers the attributes commonly carried by user, group,
// computer, and container objects. Anything not listed coerces as a plain
// string.
var defaultAttributes = []AttributeSchema{
	// Identity. All system-maintained.
	{Name: "objectGUID", Type: TypeGUID, ReadOnly: true},
	{Name: "objectSid", Type: TypeSID, ReadOnly: true},
	{Name: "sIDHistory", Type: TypeSID, MultiValued: true, ReadOnly: true},
	{Name: "distinguishedName", Type: TypeString, ReadOnly: true},
	{Name: "canonicalName", Type: TypeString, ReadOnly: true},
	{Name: "cn", Type: TypeString, ReadOnly: true},
	{Name: "name", Type: TypeString, ReadOnly: true},
	{Name: "objectClass", Type: TypeStringList, MultiValued: true, ReadOnly: true},
	{Name: "objectCategory", Type: TypeString, ReadOnly: true},

	// Naming and account basics.
	{Name: "sAMAccountName", Type: TypeString},
	{Name: "sAMAccountType", Type: TypeInt, ReadOnly: true},
	{Name: "userPrincipalName", Type: TypeString},
	{Name: "displayName", Type: TypeString},
	{Name: "givenName", Type: TypeString},
	{Name: "sn", Type: TypeString},
	{Name: "initials", Type: TypeString},
	{Name: "description", Type: TypeString},
	{Name: "info", Type: TypeString},

	// Timestamps. FILETIME attributes are replicated or computed by the
	// DC; GeneralizedTime attributes track object lifecycle.
	{Name: "accountExpires", Type: TypeFiletime},
	{Name: "badPasswordTime", Type: TypeFiletime, ReadOnly: true},
	{Name: "lastLogoff", Type: TypeFiletime, ReadOnly: true},
	{Name: "lastLogon", Type: TypeFiletime, ReadOnly: true},
	{Name: "lastLogonTimestamp", Type: TypeFiletime, ReadOnly: true},
	{Name: "lockoutTime", Type: TypeFiletime},
	{Name: "pwdLastSet", Type: TypeFiletime},
	{Name: "whenCreated", Type: TypeGeneralizedTime, ReadOnly: true},
	{Name: "whenChanged", Type: TypeGeneralizedTime, ReadOnly: true},

	// Counters and bit fields.
	{Name: "userAccountControl", Type: TypeInt},
	{Name: "groupType", Type: TypeInt},
	{Name: "primaryGroupID", Type: TypeInt},
	{Name: "adminCount", Type: TypeInt},
	{Name: "logonCount", Type: TypeInt, ReadOnly: true},
	{Name: "badPwdCount", Type: TypeInt, ReadOnly: true},
	{Name: "instanceType", Type: TypeInt, ReadOnly: true},
	{Name: "uSNCreated", Type: TypeInt, ReadOnly: true},
	{Name: "uSNChanged", Type: TypeInt, ReadOnly: true},
	{Name: "countryCode", Type: TypeInt},
	{Name: "codePage", Type: TypeInt},

	// Flags.
	{Name: "showInAdvancedViewOnly", Type: TypeBool},
	{Name: "isDeleted", Type: TypeBool, ReadOnly: true},
	{Name: "isCriticalSystemObject", Type: TypeBool, ReadOnly: true},

	// Membership and links. Backlinks are computed from forward links and
	// cannot be written directly.
	{Name: "member", Type: TypeDNList, MultiValued: true},
	{Name: "memberOf", Type: TypeDNList, MultiValued: true, ReadOnly: true},
	{Name: "directReports", Type: TypeDNList, MultiValued: true, ReadOnly: true},
	{Name: "managedObjects", Type: TypeDNList, MultiValued: true, ReadOnly: true},
	{Name: "manager", Type: TypeString},
	{Name: "managedBy", Type: TypeString},

	// Contact and organization.
	{Name: "mail", Type: TypeString},
	{Name: "mobile", Type: TypeString},
	{Name: "telephoneNumber", Type: TypeString},
	{Name: "otherTelephone", Type: TypeStringList, MultiValued: true},
	{Name: "facsimileTelephoneNumber", Type: TypeString},
	{Name: "homePhone", Type: TypeString},
	{Name: "pager", Type: TypeString},
	{Name: "ipPhone", Type: TypeString},
	{Name: "streetAddress", Type: TypeString},
	{Name: "postalCode", Type: TypeString},
	{Name: "l", Type: TypeString},
	{Name: "st", Type: TypeString},
	{Name: "c", Type: TypeString},
	{Name: "co", Type: TypeString},
	{Name: "company", Type: TypeString},
	{Name: "department", Type: TypeString},
	{Name: "division", Type: TypeString},
	{Name: "title", Type: TypeString},
	{Name: "physicalDeliveryOfficeName", Type: TypeString},
	{Name: "employeeID", Type: TypeString},
	{Name: "employeeNumber", Type: TypeString},
	{Name: "employeeType", Type: TypeString},
	{Name: "wWWHomePage", Type: TypeString},
	{Name: "url", Type: TypeStringList, MultiValued: true},

	// Profile and host.
	{Name: "homeDirectory", Type: TypeString},
	{Name: "homeDrive", Type: TypeString},
	{Name: "profilePath", Type: TypeString},
	{Name: "scriptPath", Type: TypeString},
	{Name: "servicePrincipalName", Type: TypeStringList, MultiValued: true},
	{Name: "proxyAddresses", Type: TypeStringList, MultiValued: true},
	{Name: "dNSHostName", Type: TypeString},
	{Name: "operatingSystem", Type: TypeString},
	{Name: "operatingSystemVersion", Type: TypeString},
	{Name: "operatingSystemServicePack", Type: TypeString},
	{Name: "location", Type: TypeString},

	// Binary payloads.
	{Name: "thumbnailPhoto", Type: TypeBinary},
	{Name: "jpegPhoto", Type: TypeBinary},
	{Name: "userCertificate", Type: TypeBinary, MultiValued: true},
}

var defaultSchema = NewStaticSchema(defaultAttributes)

// DefaultSchema returns the built-in attribute schema shared by all
// sessions that do not supply their own.
func DefaultSchema() Schema {
	return defaultSchema
}
