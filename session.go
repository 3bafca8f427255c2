package activedirectory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// identityAttributes are requested on every materializing read so a new
// Object always carries its GUID, classes, and lookup keys.
var identityAttributes = []string{
	"objectGUID",
	"objectClass",
	"objectSid",
	"distinguishedName",
	"name",
	"sAMAccountName",
	"userPrincipalName",
}

// Session is one authenticated identity against one directory. It owns the
// backend, the resolver cache, and the memoized root object; distinct
// credentials belong in distinct Sessions. All methods are safe for
// concurrent use.
type Session struct {
	config  *Config
	backend Backend
	schema  Schema
	log     Logger
	cache   *objectCache

	rootMu sync.Mutex
	root   *Object
	base   string
}

// Connect authenticates against the directory described by cfg and returns
// a live Session. The connection is verified with a root DSE read before
// the session is handed out.
func Connect(ctx context.Context, cfg *Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	backend, err := newLDAPBackend(cfg)
	if err != nil {
		return nil, err
	}

	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	return newSession(backend, cfg)
}

// NewSessionWithBackend builds a Session over a caller-supplied Backend.
// This is the seam for tests and for alternate transports; no connection
// is dialed.
func NewSessionWithBackend(backend Backend, cfg *Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	return newSession(backend, cfg)
}

func newSession(backend Backend, cfg *Config) (*Session, error) {
	cache, err := newObjectCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Session{
		config:  cfg,
		backend: backend,
		schema:  cfg.Schema,
		log:     cfg.Logger,
		cache:   cache,
	}, nil
}

// Close releases the backend and everything it holds.
func (s *Session) Close() error {
	return s.backend.Close()
}

// Backend exposes the transport for callers that need raw entries.
func (s *Session) Backend() Backend {
	return s.backend
}

// Schema returns the schema the session coerces attributes with.
func (s *Session) Schema() Schema {
	return s.schema
}

// Root returns the head object of the directory's default naming context
// (or of Config.BaseDN when set). It is resolved once and memoized: repeat
// calls return the identical instance until Clear. Failed resolutions are
// never memoized.
func (s *Session) Root(ctx context.Context) (*Object, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	if s.root != nil {
		return s.root, nil
	}

	base, err := s.lockedBaseDN(ctx)
	if err != nil {
		return nil, err
	}

	root, err := s.objectByDN(ctx, base)
	if err != nil {
		return nil, err
	}

	s.root = root
	return root, nil
}

// baseDN returns the session's search base, reading defaultNamingContext
// from the root DSE on first use when the config does not pin one.
func (s *Session) baseDN(ctx context.Context) (string, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.lockedBaseDN(ctx)
}

func (s *Session) lockedBaseDN(ctx context.Context) (string, error) {
	if s.base != "" {
		return s.base, nil
	}

	if s.config.BaseDN != "" {
		s.base = s.config.BaseDN
		return s.base, nil
	}

	rootDSE, err := s.backend.RootDSE(ctx)
	if err != nil {
		return "", err
	}

	base := rootDSE.GetAttributeValue("defaultNamingContext")
	if base == "" {
		return "", &DirectoryError{
			Operation: "root",
			Category:  ErrorCategoryServer,
			Message:   "root DSE carries no defaultNamingContext",
		}
	}

	s.base = base
	return base, nil
}

// Search streams every object under the session base matching all given
// criteria AND-combined; no criteria matches everything under the base.
// Each call issues a fresh query and the returned cursor is single-pass.
func (s *Session) Search(ctx context.Context, criteria ...Criterion) (*Results, error) {
	return s.searchScoped(ctx, "", criteria...)
}

// searchScoped runs a subtree query below scope, or the session base when
// scope is empty.
func (s *Session) searchScoped(ctx context.Context, scope string, criteria ...Criterion) (*Results, error) {
	filter, err := BuildFilter(criteria...)
	if err != nil {
		return nil, err
	}

	if scope == "" {
		scope, err = s.baseDN(ctx)
		if err != nil {
			return nil, err
		}
	}

	return s.searchRequest(ctx, &SearchRequest{
		BaseDN:     scope,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: identityAttributes,
	})
}

// searchRequest hands a prepared request to the backend and wraps the
// entry stream in an object cursor.
func (s *Session) searchRequest(ctx context.Context, req *SearchRequest) (*Results, error) {
	stream, err := s.backend.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	return newResults(s, stream), nil
}

// Find returns the first object whose name matches by ambiguous name
// resolution (the server compares name against its ANR attribute set:
// display name, account names, given name, surname, and friends),
// AND-combined with any extra criteria. Absence is the false return, not
// an error. When several objects match, whichever the server returns
// first wins; that ordering is server-defined and must not be relied on.
func (s *Session) Find(ctx context.Context, name string, criteria ...Criterion) (*Object, bool, error) {
	return s.findScoped(ctx, "", name, criteria...)
}

func (s *Session) findScoped(ctx context.Context, scope, name string, criteria ...Criterion) (*Object, bool, error) {
	combined := append([]Criterion{Eq("anr", name)}, criteria...)

	filter, err := BuildFilter(combined...)
	if err != nil {
		return nil, false, err
	}

	if scope == "" {
		scope, err = s.baseDN(ctx)
		if err != nil {
			return nil, false, err
		}
	}

	results, err := s.searchRequest(ctx, &SearchRequest{
		BaseDN:     scope,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: identityAttributes,
		SizeLimit:  1,
	})
	if err != nil {
		return nil, false, err
	}

	return results.First()
}

// FindUser locates a user account by name.
func (s *Session) FindUser(ctx context.Context, name string) (*Object, bool, error) {
	return s.findScoped(ctx, "", name,
		Eq("objectCategory", "person"), Eq("objectClass", "user"))
}

// FindGroup locates a security or distribution group by name.
func (s *Session) FindGroup(ctx context.Context, name string) (*Object, bool, error) {
	return s.findScoped(ctx, "", name, Eq("objectCategory", "group"))
}

// FindComputer locates a computer account by name.
func (s *Session) FindComputer(ctx context.Context, name string) (*Object, bool, error) {
	return s.findScoped(ctx, "", name, Eq("objectCategory", "computer"))
}

// FindOU locates an organizational unit by name.
func (s *Session) FindOU(ctx context.Context, name string) (*Object, bool, error) {
	return s.findScoped(ctx, "", name, Eq("objectClass", "organizationalUnit"))
}

// Resolve looks up one object by any supported identifier: DN, GUID, SID,
// UPN, or sAMAccountName (bare or DOMAIN\name). Unlike Find, absence is an
// error here; resolving a specific identifier that does not exist is a
// failure, not an expected outcome. Successful resolutions are memoized
// for the session, failures never are.
func (s *Session) Resolve(ctx context.Context, identifier string) (*Object, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &DirectoryError{
			Operation: "resolve",
			Category:  ErrorCategoryValidation,
			Message:   "identifier cannot be empty",
		}
	}

	idType := DetectIdentifierType(identifier)

	if key, ok := resolveCacheKey(idType, identifier); ok {
		if obj, found := s.cache.Get(key); found {
			return obj, nil
		}
	}

	switch idType {
	case IdentifierTypeDN:
		return s.objectByDN(ctx, identifier)

	case IdentifierTypeGUID:
		filter, err := guidSearchFilter(identifier)
		if err != nil {
			return nil, err
		}
		return s.resolveByFilter(ctx, identifier, filter)

	case IdentifierTypeSID:
		return s.resolveByFilter(ctx, identifier,
			fmt.Sprintf("(objectSid=%s)", ldap.EscapeFilter(identifier)))

	case IdentifierTypeUPN:
		return s.resolveByFilter(ctx, identifier,
			fmt.Sprintf("(userPrincipalName=%s)", ldap.EscapeFilter(identifier)))

	case IdentifierTypeSAM:
		return s.resolveByFilter(ctx, identifier,
			fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(samAccountName(identifier))))
	}

	return nil, &DirectoryError{
		Operation: "resolve",
		Category:  ErrorCategoryValidation,
		Message:   fmt.Sprintf("unrecognized identifier format: %s", identifier),
	}
}

// objectByDN returns the object at dn, from the resolver cache when
// possible. Successful reads are cached under every identifier the object
// carries.
func (s *Session) objectByDN(ctx context.Context, dn string) (*Object, error) {
	if obj, ok := s.cache.Get(dnCacheKey(dn)); ok {
		return obj, nil
	}

	entry, err := s.backend.Get(ctx, dn, identityAttributes)
	if err != nil {
		return nil, err
	}

	obj, err := newObjectFromEntry(s, entry)
	if err != nil {
		return nil, err
	}

	s.cache.Put(obj)
	return obj, nil
}

// objectsByDN resolves a DN list in order, failing on the first miss.
func (s *Session) objectsByDN(ctx context.Context, dns []string) ([]*Object, error) {
	if len(dns) == 0 {
		return nil, nil
	}

	objects := make([]*Object, 0, len(dns))
	for _, dn := range dns {
		obj, err := s.objectByDN(ctx, dn)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

// resolveByFilter runs a whole-subtree lookup expected to match exactly
// one object.
func (s *Session) resolveByFilter(ctx context.Context, identifier, filter string) (*Object, error) {
	base, err := s.baseDN(ctx)
	if err != nil {
		return nil, err
	}

	results, err := s.searchRequest(ctx, &SearchRequest{
		BaseDN:     base,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: identityAttributes,
		SizeLimit:  1,
	})
	if err != nil {
		return nil, err
	}

	obj, found, err := results.First()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &DirectoryError{
			Operation: "resolve",
			Category:  ErrorCategoryNotFound,
			Message:   fmt.Sprintf("no object matches identifier %q", identifier),
		}
	}

	s.cache.Put(obj)
	return obj, nil
}

// WhoAmI asks the directory which authorization identity this session's
// credentials are bound as (RFC 4532 extended operation).
func (s *Session) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	authzID, err := s.backend.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}

	return parseAuthzID(authzID), nil
}

// Clear drops every memoized object including the root; the next lookup
// re-reads the directory. Cache hit counters survive.
func (s *Session) Clear() {
	s.rootMu.Lock()
	s.root = nil
	s.base = ""
	s.rootMu.Unlock()

	s.cache.Clear()
}

// CacheStats reports resolver cache effectiveness.
func (s *Session) CacheStats() CacheStats {
	return s.cache.Stats()
}

// WhoAmIResult is the parsed answer to the Who Am I operation. Active
// Directory usually answers u:DOMAIN\sam; other servers answer dn:<dn> or
// a bare identity.
type WhoAmIResult struct {
	Raw   string         // Authorization identity exactly as returned
	Value string         // Raw with the u:/dn: prefix stripped
	Type  IdentifierType // Detected format of Value
}

func (w *WhoAmIResult) String() string {
	return w.Value
}

// parseAuthzID splits an authorization identity into its format family.
func parseAuthzID(authzID string) *WhoAmIResult {
	value := authzID
	switch {
	case strings.HasPrefix(authzID, "u:"):
		value = strings.TrimPrefix(authzID, "u:")
	case strings.HasPrefix(authzID, "dn:"):
		value = strings.TrimPrefix(authzID, "dn:")
	}

	return &WhoAmIResult{
		Raw:   authzID,
		Value: value,
		Type:  DetectIdentifierType(value),
	}
}

// IdentifierType classifies the directory identifier formats Resolve
// accepts.
type IdentifierType int

const (
	IdentifierTypeUnknown IdentifierType = iota
	IdentifierTypeDN                     // Distinguished name
	IdentifierTypeGUID                   // Object GUID
	IdentifierTypeSID                    // Security identifier
	IdentifierTypeUPN                    // User principal name
	IdentifierTypeSAM                    // SAM account name, bare or DOMAIN\name
)

// String returns the string representation of the identifier type.
func (i IdentifierType) String() string {
	switch i {
	case IdentifierTypeDN:
		return "DN"
	case IdentifierTypeGUID:
		return "GUID"
	case IdentifierTypeSID:
		return "SID"
	case IdentifierTypeUPN:
		return "UPN"
	case IdentifierTypeSAM:
		return "SAM"
	default:
		return "Unknown"
	}
}

// Identifier format patterns, most to least specific.
var (
	dnPattern  = regexp.MustCompile(`^(?i)(CN|OU|DC|O|C|STREET|L|ST|UID)=.+`)
	sidPattern = regexp.MustCompile(`^S-1-\d+(-\d+)*$`)
	upnPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	samPattern = regexp.MustCompile(`^([^\\@\s]+\\)?[^\\@\s]+$`)
)

// DetectIdentifierType determines the format of a directory identifier.
// DN wins over GUID, GUID over SID, SID over UPN; anything that is none of
// those but looks like an account name falls through to SAM.
func DetectIdentifierType(identifier string) IdentifierType {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return IdentifierTypeUnknown
	}

	switch {
	case dnPattern.MatchString(identifier):
		return IdentifierTypeDN
	case IsValidGUID(identifier):
		return IdentifierTypeGUID
	case sidPattern.MatchString(identifier):
		return IdentifierTypeSID
	case upnPattern.MatchString(identifier):
		return IdentifierTypeUPN
	case samPattern.MatchString(identifier):
		return IdentifierTypeSAM
	}

	return IdentifierTypeUnknown
}

// resolveCacheKey maps an identifier to its memo key. GUIDs normalize
// through uuid parsing so braced and bare spellings share an entry; SAM
// drops the DOMAIN\ prefix the way the directory stores the attribute.
func resolveCacheKey(idType IdentifierType, identifier string) (string, bool) {
	switch idType {
	case IdentifierTypeDN:
		return dnCacheKey(identifier), true
	case IdentifierTypeGUID:
		normalized, err := NormalizeGUID(identifier)
		if err != nil {
			return "", false
		}
		return guidCacheKey(normalized), true
	case IdentifierTypeSID:
		return sidCacheKey(identifier), true
	case IdentifierTypeUPN:
		return upnCacheKey(identifier), true
	case IdentifierTypeSAM:
		return samCacheKey(samAccountName(identifier)), true
	}

	return "", false
}

// samAccountName strips the DOMAIN\ prefix from a down-level logon name.
func samAccountName(identifier string) string {
	if _, name, ok := strings.Cut(identifier, `\`); ok {
		return name
	}
	return identifier
}
