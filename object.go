package activedirectory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// containerClasses lists the structural classes whose instances hold
// children. Everything else is a leaf for traversal purposes.
var containerClasses = map[string]bool{
	"organizationalunit":  true,
	"container":           true,
	"domaindns":           true,
	"builtindomain":       true,
	"msds-quotacontainer": true,
	"lostandfound":        true,
}

// Object wraps a single directory entry. It exposes attributes through the
// schema's type coercion, caching each value after first access, and carries
// the entry's objectGUID as its identity: two Objects are the same entity
// exactly when their GUIDs match, regardless of where in the tree they were
// found.
//
// Objects are only materialized from directory reads (Session.Root,
// Session.Resolve, search results, traversal); there is no constructor for
// an unverified DN. All methods are safe for concurrent use, but overlapping
// writes to the same attribute need external coordination.
type Object struct {
	session *Session

	mu      sync.RWMutex
	dn      string
	guid    uuid.UUID
	sid     string
	upn     string
	sam     string
	classes []string

	// attrs holds coerced values keyed by lowercased attribute name;
	// attrNames maps those keys back to display names for Dump. A key
	// marked in fetched whose attrs value is nil records a
	// confirmed-absent attribute.
	attrs     map[string]any
	attrNames map[string]string
	fetched   map[string]bool
}

// newObjectFromEntry wraps a raw search or read result.
func newObjectFromEntry(session *Session, entry *ldap.Entry) (*Object, error) {
	o := &Object{session: session}
	if err := o.primeFromEntry(entry); err != nil {
		return nil, err
	}

	return o, nil
}

// primeFromEntry replaces the object's state with the contents of a freshly
// read entry. Attributes that fail coercion are left unfetched so a later
// explicit Get surfaces the error instead of it failing the whole read.
func (o *Object) primeFromEntry(entry *ldap.Entry) error {
	guid, err := extractGUID(entry)
	if err != nil {
		return newCoercionError("objectGUID", "entry carries no usable objectGUID", err)
	}

	attrs := make(map[string]any, len(entry.Attributes))
	attrNames := make(map[string]string, len(entry.Attributes))
	fetched := make(map[string]bool, len(entry.Attributes))

	for _, attr := range entry.Attributes {
		key := strings.ToLower(attr.Name)
		attrNames[key] = canonicalAttributeName(o.session.schema, attr.Name)

		value, err := coerceFromEntry(o.session.schema, entry, attr.Name)
		if err != nil {
			o.session.log.Debug("attribute coercion failed", map[string]any{
				"dn":        entry.DN,
				"attribute": attr.Name,
				"error":     err.Error(),
			})
			continue
		}

		attrs[key] = value
		fetched[key] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.dn = entry.DN
	o.guid = guid
	o.sid = extractSID(entry)
	o.upn = entry.GetAttributeValue("userPrincipalName")
	o.sam = entry.GetAttributeValue("sAMAccountName")
	o.classes = copyStrings(entry.GetAttributeValues("objectClass"))
	o.attrs = attrs
	o.attrNames = attrNames
	o.fetched = fetched

	return nil
}

// cacheKeys lists every identifier the object can be looked up by.
func (o *Object) cacheKeys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	keys := []string{dnCacheKey(o.dn), guidCacheKey(o.guid.String())}
	if o.sid != "" {
		keys = append(keys, sidCacheKey(o.sid))
	}
	if o.upn != "" {
		keys = append(keys, upnCacheKey(o.upn))
	}
	if o.sam != "" {
		keys = append(keys, samCacheKey(o.sam))
	}

	return keys
}

// DN returns the distinguished name as reported by the server. It changes
// when the object is moved; use GUID for stable identity.
func (o *Object) DN() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dn
}

// GUID returns the object's immutable identity. The returned uuid.UUID is
// comparable and suitable as a map key.
func (o *Object) GUID() uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.guid
}

// SID returns the object's security identifier in S-1-5-21... form, or ""
// for objects without a security principal.
func (o *Object) SID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sid
}

// Classes returns the objectClass values, least to most specific.
func (o *Object) Classes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return copyStrings(o.classes)
}

// Class returns the most specific structural class ("user", "group",
// "organizationalUnit", ...).
func (o *Object) Class() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.classes) == 0 {
		return ""
	}
	return o.classes[len(o.classes)-1]
}

// Name returns the value of the object's leading RDN, e.g. "Tim Golden" for
// CN=Tim Golden,OU=Staff,DC=example,DC=com.
func (o *Object) Name() string {
	parsed, err := ldap.ParseDN(o.DN())
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	return parsed.RDNs[0].Attributes[0].Value
}

// String implements fmt.Stringer as the distinguished name.
func (o *Object) String() string {
	return o.DN()
}

// Equal reports whether both objects wrap the same directory entity.
// Identity is the GUID alone; a moved object keeps its identity while its
// DN changes.
func (o *Object) Equal(other *Object) bool {
	if other == nil {
		return false
	}
	return o.GUID() == other.GUID()
}

// Get returns a coerced attribute value, fetching it from the directory on
// first access. Values are cached for the object's lifetime; Refresh
// discards the cache. An attribute the entry does not carry yields nil
// without error.
func (o *Object) Get(ctx context.Context, name string) (any, error) {
	key := strings.ToLower(name)

	o.mu.RLock()
	if o.fetched[key] {
		value := o.attrs[key]
		o.mu.RUnlock()
		return value, nil
	}
	dn := o.dn
	o.mu.RUnlock()

	requested := canonicalAttributeName(o.session.schema, name)
	entry, err := o.session.backend.Get(ctx, dn, []string{requested})
	if err != nil {
		return nil, err
	}

	value, err := coerceFromEntry(o.session.schema, entry, requested)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.attrs[key] = value
	o.attrNames[key] = requested
	o.fetched[key] = true
	o.mu.Unlock()

	return value, nil
}

// GetString fetches a single-valued attribute as a string. Absent
// attributes return "".
func (o *Object) GetString(ctx context.Context, name string) (string, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return "", err
	}

	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}

	return "", typeMismatchError(name, "string", value)
}

// GetStrings fetches a multi-valued attribute. A single-valued attribute is
// returned as a one-element slice; absent attributes return nil.
func (o *Object) GetStrings(ctx context.Context, name string) ([]string, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return copyStrings(v), nil
	case string:
		return []string{v}, nil
	}

	return nil, typeMismatchError(name, "[]string", value)
}

// GetInt fetches an integer attribute. Absent attributes return 0.
func (o *Object) GetInt(ctx context.Context, name string) (int64, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	}

	return 0, typeMismatchError(name, "int64", value)
}

// GetBool fetches a boolean attribute. Absent attributes return false.
func (o *Object) GetBool(ctx context.Context, name string) (bool, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return false, err
	}

	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	}

	return false, typeMismatchError(name, "bool", value)
}

// GetTime fetches a timestamp attribute (FILETIME ticks or generalized
// time, per the schema). Absent attributes and the directory's "never"
// sentinels return the zero time.
func (o *Object) GetTime(ctx context.Context, name string) (time.Time, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return time.Time{}, err
	}

	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	}

	return time.Time{}, typeMismatchError(name, "time.Time", value)
}

// GetBytes fetches a binary attribute. Absent attributes return nil.
func (o *Object) GetBytes(ctx context.Context, name string) ([]byte, error) {
	value, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return append([]byte(nil), v...), nil
	}

	return nil, typeMismatchError(name, "[]byte", value)
}

// Set coerces and writes a single attribute immediately.
func (o *Object) Set(ctx context.Context, name string, value any) error {
	return o.SetMany(ctx, map[string]any{name: value})
}

// SetMany validates and coerces the whole batch before anything is sent,
// then applies it as one modify operation. A schema violation anywhere in
// the batch means nothing reaches the directory. Atomicity of the
// multi-attribute modify itself is the server's guarantee.
//
// A nil value clears the attribute.
func (o *Object) SetMany(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	replace := make(map[string][]string, len(values))
	for name, value := range values {
		wire, err := coerceToWire(o.session.schema, name, value)
		if err != nil {
			return err
		}
		replace[canonicalAttributeName(o.session.schema, name)] = wire
	}

	err := o.session.backend.Modify(ctx, &ModifyRequest{
		DN:                o.DN(),
		ReplaceAttributes: replace,
	})
	if err != nil {
		return err
	}

	// Written attributes are dropped from the cache so the next read sees
	// what the server actually stored.
	o.mu.Lock()
	for name := range values {
		key := strings.ToLower(name)
		delete(o.attrs, key)
		delete(o.fetched, key)
	}
	o.mu.Unlock()

	return nil
}

// AddValues appends values to a multi-valued attribute without touching
// the values already present. Typical use is adding members to a group.
func (o *Object) AddValues(ctx context.Context, name string, values ...string) error {
	return o.modifyValues(ctx, "add", name, values)
}

// RemoveValues deletes specific values from a multi-valued attribute,
// leaving the rest in place. Clearing an attribute outright is
// Set(ctx, name, nil).
func (o *Object) RemoveValues(ctx context.Context, name string, values ...string) error {
	return o.modifyValues(ctx, "remove", name, values)
}

func (o *Object) modifyValues(ctx context.Context, op, name string, values []string) error {
	if len(values) == 0 {
		return &DirectoryError{
			Operation: op,
			DN:        o.DN(),
			Category:  ErrorCategoryValidation,
			Message:   "at least one value is required",
		}
	}

	// Each value is coerced on its own so schema violations are caught
	// before anything is sent, same as SetMany.
	wire := make([]string, 0, len(values))
	for _, value := range values {
		coerced, err := coerceToWire(o.session.schema, name, value)
		if err != nil {
			return err
		}
		wire = append(wire, coerced...)
	}

	req := &ModifyRequest{DN: o.DN()}
	attr := canonicalAttributeName(o.session.schema, name)
	switch op {
	case "add":
		req.AddAttributes = map[string][]string{attr: wire}
	default:
		req.DeleteAttributes = map[string][]string{attr: wire}
	}

	if err := o.session.backend.Modify(ctx, req); err != nil {
		return err
	}

	o.mu.Lock()
	key := strings.ToLower(name)
	delete(o.attrs, key)
	delete(o.fetched, key)
	o.mu.Unlock()

	return nil
}

// Refresh discards every cached attribute and re-reads the entry.
func (o *Object) Refresh(ctx context.Context) error {
	entry, err := o.session.backend.Get(ctx, o.DN(), []string{"*"})
	if err != nil {
		return err
	}

	if err := o.primeFromEntry(entry); err != nil {
		return err
	}

	o.session.cache.Put(o)
	return nil
}

// IsContainer reports whether the object's class admits children.
func (o *Object) IsContainer() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, class := range o.classes {
		if containerClasses[strings.ToLower(class)] {
			return true
		}
	}
	return false
}

// Children returns a cursor over the object's immediate children. Leaf
// classes fail with a not-container error before any directory round trip.
func (o *Object) Children(ctx context.Context) (*Results, error) {
	if !o.IsContainer() {
		return nil, newNotContainerError(o.DN())
	}

	return o.session.searchRequest(ctx, &SearchRequest{
		BaseDN:     o.DN(),
		Scope:      ScopeSingleLevel,
		Filter:     "(objectClass=*)",
		Attributes: identityAttributes,
	})
}

// Parent returns the container one level up. The tree root has no parent.
func (o *Object) Parent(ctx context.Context) (*Object, error) {
	parentDN, err := ParentDN(o.DN())
	if err != nil {
		return nil, &DirectoryError{
			Operation: "parent",
			Category:  ErrorCategoryNotFound,
			Message:   "object has no parent",
			DN:        o.DN(),
		}
	}

	return o.session.objectByDN(ctx, parentDN)
}

// Search runs a query over this object's subtree.
func (o *Object) Search(ctx context.Context, criteria ...Criterion) (*Results, error) {
	return o.session.searchScoped(ctx, o.DN(), criteria...)
}

// Find locates the first object under this subtree whose name matches via
// ambiguous name resolution. See Session.Find for the match and ordering
// semantics.
func (o *Object) Find(ctx context.Context, name string, criteria ...Criterion) (*Object, bool, error) {
	return o.session.findScoped(ctx, o.DN(), name, criteria...)
}

// Members returns the members of a group. With recursive set, membership is
// resolved through nested groups by a single server-side chain-matching
// query; otherwise only the direct member attribute is read.
func (o *Object) Members(ctx context.Context, recursive bool) ([]*Object, error) {
	if recursive {
		results, err := o.session.searchScoped(ctx, "", InChain("memberOf", o.DN()))
		if err != nil {
			return nil, err
		}
		return results.All()
	}

	memberDNs, err := o.GetStrings(ctx, "member")
	if err != nil {
		return nil, err
	}

	return o.session.objectsByDN(ctx, memberDNs)
}

// MemberOf returns the groups the object belongs to, following nested
// groups when recursive is set.
func (o *Object) MemberOf(ctx context.Context, recursive bool) ([]*Object, error) {
	if recursive {
		results, err := o.session.searchScoped(ctx, "", InChain("member", o.DN()))
		if err != nil {
			return nil, err
		}
		return results.All()
	}

	groupDNs, err := o.GetStrings(ctx, "memberOf")
	if err != nil {
		return nil, err
	}

	return o.session.objectsByDN(ctx, groupDNs)
}

// Dump re-reads the entry and writes every attribute to w, one per line,
// sorted by name.
func (o *Object) Dump(ctx context.Context, w io.Writer) error {
	if err := o.Refresh(ctx); err != nil {
		return err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if _, err := fmt.Fprintf(w, "%s\n", o.dn); err != nil {
		return err
	}

	keys := make([]string, 0, len(o.attrs))
	for key := range o.attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := o.attrNames[key]
		if name == "" {
			name = key
		}
		if _, err := fmt.Fprintf(w, "  %s: %s\n", name, formatAttributeValue(o.attrs[key])); err != nil {
			return err
		}
	}

	return nil
}

// formatAttributeValue renders a coerced value for human consumption.
func formatAttributeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "; ")
	case time.Time:
		if v.IsZero() {
			return "<never>"
		}
		return v.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	case uuid.UUID:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
