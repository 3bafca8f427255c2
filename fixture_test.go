package activedirectory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const fixtureBaseDN = "DC=example,DC=com"

// fixtureBackend is an in-memory directory with a real filter evaluator.
// It implements enough LDAP semantics (scopes, wildcards, escaped values,
// ANR, the bit-and and in-chain matching rules) that search and traversal
// behavior can be verified end to end without a server.
type fixtureBackend struct {
	mu      sync.Mutex
	entries map[string]*fixtureEntry // canonical DN key -> entry
	order   []string                 // insertion order, the "server order"
	authzID string

	getCalls    int
	searchCalls int
	modifyReqs  []*ModifyRequest
}

type fixtureEntry struct {
	dn    string
	attrs map[string][]string
}

func newFixtureDirectory() *fixtureBackend {
	b := &fixtureBackend{
		entries: make(map[string]*fixtureEntry),
		authzID: `u:EXAMPLE\svc-directory`,
	}
	b.addKind(fixtureBaseDN, "domainDNS", nil)

	return b
}

// add inserts an entry, filling in objectGUID, distinguishedName, and name
// unless the caller supplied them.
func (b *fixtureBackend) add(dn string, attrs map[string][]string) {
	e := &fixtureEntry{dn: dn, attrs: make(map[string][]string, len(attrs)+3)}
	for name, values := range attrs {
		e.attrs[name] = copyStrings(values)
	}

	if e.values("objectGUID") == nil {
		e.attrs["objectGUID"] = []string{uuid.NewString()}
	}
	if e.values("distinguishedName") == nil {
		e.attrs["distinguishedName"] = []string{dn}
	}
	if e.values("name") == nil {
		if parsed, err := ldap.ParseDN(dn); err == nil && len(parsed.RDNs) > 0 {
			e.attrs["name"] = []string{parsed.RDNs[0].Attributes[0].Value}
		}
	}

	key := canonicalDNKey(dn)
	b.entries[key] = e
	b.order = append(b.order, key)
}

// addKind inserts an entry with the objectClass chain and objectCategory
// of a well-known kind.
func (b *fixtureBackend) addKind(dn, kind string, extra map[string][]string) {
	attrs := map[string][]string{
		"objectClass":    objectClassChain(kind),
		"objectCategory": {kind},
	}
	if kind == "user" {
		attrs["objectCategory"] = []string{"person"}
	}
	for name, values := range extra {
		attrs[name] = values
	}

	b.add(dn, attrs)
}

func objectClassChain(kind string) []string {
	switch kind {
	case "user":
		return []string{"top", "person", "organizationalPerson", "user"}
	case "computer":
		return []string{"top", "person", "organizationalPerson", "user", "computer"}
	case "group":
		return []string{"top", "group"}
	case "organizationalUnit":
		return []string{"top", "organizationalUnit"}
	case "container":
		return []string{"top", "container"}
	case "domainDNS":
		return []string{"top", "domain", "domainDNS"}
	}

	return []string{"top", kind}
}

func (e *fixtureEntry) values(name string) []string {
	for attr, values := range e.attrs {
		if strings.EqualFold(attr, name) {
			return values
		}
	}
	return nil
}

func (e *fixtureEntry) set(name string, values []string) {
	for attr := range e.attrs {
		if strings.EqualFold(attr, name) {
			if len(values) == 0 {
				delete(e.attrs, attr)
			} else {
				e.attrs[attr] = values
			}
			return
		}
	}
	if len(values) > 0 {
		e.attrs[name] = values
	}
}

func (e *fixtureEntry) toLDAPEntry(requested []string) *ldap.Entry {
	all := len(requested) == 0
	for _, name := range requested {
		if name == "*" {
			all = true
		}
	}

	names := make([]string, 0, len(e.attrs))
	for name := range e.attrs {
		if all || containsFold(requested, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	attrs := make([]*ldap.EntryAttribute, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, &ldap.EntryAttribute{
			Name:   name,
			Values: copyStrings(e.attrs[name]),
		})
	}

	return &ldap.Entry{DN: e.dn, Attributes: attrs}
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// Backend implementation.

func (b *fixtureBackend) RootDSE(ctx context.Context) (*ldap.Entry, error) {
	return &ldap.Entry{
		DN: "",
		Attributes: []*ldap.EntryAttribute{
			{Name: "defaultNamingContext", Values: []string{fixtureBaseDN}},
			{Name: "dnsHostName", Values: []string{"dc01.example.com"}},
			{Name: "supportedLDAPVersion", Values: []string{"3"}},
		},
	}, nil
}

func (b *fixtureBackend) Get(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++

	e, ok := b.entries[canonicalDNKey(dn)]
	if !ok {
		return nil, &DirectoryError{
			Operation: "get",
			Category:  ErrorCategoryNotFound,
			Message:   "no such object",
			DN:        dn,
		}
	}

	return e.toLDAPEntry(attributes), nil
}

func (b *fixtureBackend) Search(ctx context.Context, req *SearchRequest) (EntryStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searchCalls++

	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}
	expr, err := parseFilterExpr(filter)
	if err != nil {
		return nil, &DirectoryError{
			Operation: "search",
			Category:  ErrorCategoryQuery,
			Message:   err.Error(),
		}
	}

	var matches []*ldap.Entry
	for _, key := range b.order {
		e := b.entries[key]
		if !dnInScope(e.dn, req.BaseDN, req.Scope) {
			continue
		}
		if !b.entryMatches(e, expr) {
			continue
		}
		matches = append(matches, e.toLDAPEntry(req.Attributes))
		if req.SizeLimit > 0 && len(matches) >= req.SizeLimit {
			break
		}
	}

	return NewSliceStream(matches), nil
}

func (b *fixtureBackend) Modify(ctx context.Context, req *ModifyRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[canonicalDNKey(req.DN)]
	if !ok {
		return &DirectoryError{
			Operation: "modify",
			Category:  ErrorCategoryNotFound,
			Message:   "no such object",
			DN:        req.DN,
		}
	}

	b.modifyReqs = append(b.modifyReqs, req)
	for name, values := range req.ReplaceAttributes {
		e.set(name, copyStrings(values))
	}
	for name, values := range req.AddAttributes {
		e.set(name, append(copyStrings(e.values(name)), values...))
	}
	for name, remove := range req.DeleteAttributes {
		if len(remove) == 0 {
			e.set(name, nil)
			continue
		}
		var kept []string
		for _, v := range e.values(name) {
			removed := false
			for _, r := range remove {
				if strings.EqualFold(r, v) {
					removed = true
					break
				}
			}
			if !removed {
				kept = append(kept, v)
			}
		}
		e.set(name, kept)
	}

	return nil
}

func (b *fixtureBackend) WhoAmI(ctx context.Context) (string, error) {
	return b.authzID, nil
}

func (b *fixtureBackend) Close() error {
	return nil
}

func dnInScope(dn, base string, scope SearchScope) bool {
	switch scope {
	case ScopeBaseObject:
		return EqualDN(dn, base)
	case ScopeSingleLevel:
		parent, err := ParentDN(dn)
		return err == nil && EqualDN(parent, base)
	default:
		if EqualDN(dn, base) {
			return true
		}
		child, err := IsDNChild(dn, base)
		return err == nil && child
	}
}

// Filter evaluation.

type filterExpr struct {
	op       string // and, or, not, eq, ext
	children []*filterExpr
	attr     string
	rule     string
	value    string
}

func parseFilterExpr(filter string) (*filterExpr, error) {
	expr, rest, err := parseFilterGroup(filter)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("trailing filter content %q", rest)
	}
	return expr, nil
}

func parseFilterGroup(s string) (*filterExpr, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", fmt.Errorf("expected ( at %q", s)
	}
	body := s[1:]

	switch {
	case strings.HasPrefix(body, "&"), strings.HasPrefix(body, "|"):
		op := "and"
		if body[0] == '|' {
			op = "or"
		}
		node := &filterExpr{op: op}
		rest := body[1:]
		for strings.HasPrefix(rest, "(") {
			child, r, err := parseFilterGroup(rest)
			if err != nil {
				return nil, "", err
			}
			node.children = append(node.children, child)
			rest = r
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated %q", s)
		}
		return node, rest[1:], nil

	case strings.HasPrefix(body, "!"):
		child, rest, err := parseFilterGroup(body[1:])
		if err != nil {
			return nil, "", err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated %q", s)
		}
		return &filterExpr{op: "not", children: []*filterExpr{child}}, rest[1:], nil

	default:
		end := strings.IndexByte(body, ')')
		if end < 0 {
			return nil, "", fmt.Errorf("unterminated %q", s)
		}
		simple, rest := body[:end], body[end+1:]

		eq := strings.IndexByte(simple, '=')
		if eq < 0 {
			return nil, "", fmt.Errorf("no = in %q", simple)
		}
		lhs, value := simple[:eq], simple[eq+1:]

		node := &filterExpr{op: "eq", value: value}
		if strings.HasSuffix(lhs, ":") {
			// attr:rule:= extensible match
			parts := strings.SplitN(strings.TrimSuffix(lhs, ":"), ":", 2)
			node.op = "ext"
			node.attr = parts[0]
			if len(parts) == 2 {
				node.rule = parts[1]
			}
		} else {
			node.attr = lhs
		}
		return node, rest, nil
	}
}

func unescapeFilterValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' && i+3 <= len(value) {
			if n, err := strconv.ParseUint(value[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(value[i])
	}
	return b.String()
}

// anrAttributes is the attribute set ambiguous name resolution compares
// against, matched as prefixes the way the server does.
var anrAttributes = []string{
	"displayName", "givenName", "sn", "cn", "name",
	"sAMAccountName", "userPrincipalName",
}

func (b *fixtureBackend) entryMatches(e *fixtureEntry, f *filterExpr) bool {
	switch f.op {
	case "and":
		for _, child := range f.children {
			if !b.entryMatches(e, child) {
				return false
			}
		}
		return true

	case "or":
		for _, child := range f.children {
			if b.entryMatches(e, child) {
				return true
			}
		}
		return false

	case "not":
		return !b.entryMatches(e, f.children[0])

	case "ext":
		switch f.rule {
		case matchingRuleBitAnd:
			mask, err := strconv.ParseInt(unescapeFilterValue(f.value), 10, 64)
			if err != nil {
				return false
			}
			for _, v := range e.values(f.attr) {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil && n&mask == mask {
					return true
				}
			}
			return false
		case matchingRuleInChain:
			return b.chainContains(e, f.attr, unescapeFilterValue(f.value))
		}
		return false

	default: // eq
		if strings.EqualFold(f.attr, "anr") {
			for _, attr := range anrAttributes {
				for _, v := range e.values(attr) {
					if matchWildcard(f.value+"*", v) {
						return true
					}
				}
			}
			return false
		}

		if f.value == "*" {
			return len(e.values(f.attr)) > 0
		}

		// GUID lookups arrive as escaped binary octets; stored values are
		// textual, so decode before comparing.
		if strings.EqualFold(f.attr, "objectGUID") {
			if raw := unescapeFilterValue(f.value); len(raw) == 16 {
				guid, err := GUIDFromBytes([]byte(raw))
				if err != nil {
					return false
				}
				for _, v := range e.values(f.attr) {
					if strings.EqualFold(v, guid.String()) {
						return true
					}
				}
				return false
			}
		}

		for _, v := range e.values(f.attr) {
			if matchWildcard(f.value, v) {
				return true
			}
		}
		return false
	}
}

// matchWildcard matches an escaped filter pattern, where unescaped * is a
// wildcard, against a value. Comparison is case-insensitive like the
// directory's default matching rules.
func matchWildcard(pattern, value string) bool {
	segments := strings.Split(pattern, "*")
	for i := range segments {
		segments[i] = strings.ToLower(unescapeFilterValue(segments[i]))
	}
	v := strings.ToLower(value)

	if len(segments) == 1 {
		return v == segments[0]
	}

	if !strings.HasPrefix(v, segments[0]) {
		return false
	}
	v = v[len(segments[0]):]

	last := segments[len(segments)-1]
	if !strings.HasSuffix(v, last) {
		return false
	}
	v = v[:len(v)-len(last)]

	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(v, seg)
		if idx < 0 {
			return false
		}
		v = v[idx+len(seg):]
	}
	return true
}

// chainContains walks attr values as DNs from e, reporting whether target
// is reachable. This is the transitive closure the in-chain matching rule
// evaluates server-side.
func (b *fixtureBackend) chainContains(e *fixtureEntry, attr, target string) bool {
	targetKey := canonicalDNKey(target)
	seen := make(map[string]bool)
	queue := []*fixtureEntry{e}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dn := range current.values(attr) {
			key := canonicalDNKey(dn)
			if key == targetKey {
				return true
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			if next, ok := b.entries[key]; ok {
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Test tree and session helpers.

// seedStandardTree populates the directory used by the traversal, search,
// and membership tests:
//
//	DC=example,DC=com
//	├── OU=Staff: Tim Golden, Fred Smith, OU=Engineering (Sarah Chen, BUILD01)
//	├── CN=Users: Domain Admins, Engineers ⊇ Senior Engineers ∋ Sarah Chen
//	└── OU=Archive (empty)
func seedStandardTree(b *fixtureBackend) {
	b.addKind("OU=Staff,"+fixtureBaseDN, "organizationalUnit", nil)
	b.addKind("CN=Tim Golden,OU=Staff,"+fixtureBaseDN, "user", map[string][]string{
		"displayName":       {"Tim Golden"},
		"givenName":         {"Tim"},
		"sn":                {"Golden"},
		"sAMAccountName":    {"tim.golden"},
		"userPrincipalName": {"tim@example.com"},
		"objectSid":         {"S-1-5-21-3623811015-3361044348-30300820-1013"},
		"logonCount":        {"42"},
		"whenCreated":       {"20240115093000.0Z"},
		"lastLogon":         {"133497846000000000"}, // 2024-01-15 09:30:00 UTC
		"memberOf":          {"CN=Domain Admins,CN=Users," + fixtureBaseDN},
	})
	b.addKind("CN=Fred Smith,OU=Staff,"+fixtureBaseDN, "user", map[string][]string{
		"displayName":    {"Fred"},
		"sAMAccountName": {"fred.smith"},
	})
	b.addKind("OU=Engineering,OU=Staff,"+fixtureBaseDN, "organizationalUnit", nil)
	b.addKind("CN=Sarah Chen,OU=Engineering,OU=Staff,"+fixtureBaseDN, "user", map[string][]string{
		"displayName":    {"Sarah Chen"},
		"sAMAccountName": {"sarah.chen"},
		"memberOf":       {"CN=Senior Engineers,CN=Users," + fixtureBaseDN},
	})
	b.addKind("CN=BUILD01,OU=Engineering,OU=Staff,"+fixtureBaseDN, "computer", map[string][]string{
		"sAMAccountName": {"BUILD01$"},
		"dNSHostName":    {"build01.example.com"},
	})
	b.addKind("CN=Users,"+fixtureBaseDN, "container", nil)
	b.addKind("CN=Domain Admins,CN=Users,"+fixtureBaseDN, "group", map[string][]string{
		"member": {"CN=Tim Golden,OU=Staff," + fixtureBaseDN},
	})
	b.addKind("CN=Engineers,CN=Users,"+fixtureBaseDN, "group", map[string][]string{
		"member": {"CN=Senior Engineers,CN=Users," + fixtureBaseDN},
	})
	b.addKind("CN=Senior Engineers,CN=Users,"+fixtureBaseDN, "group", map[string][]string{
		"member":   {"CN=Sarah Chen,OU=Engineering,OU=Staff," + fixtureBaseDN},
		"memberOf": {"CN=Engineers,CN=Users," + fixtureBaseDN},
	})
	b.addKind("OU=Archive,"+fixtureBaseDN, "organizationalUnit", nil)
}

func newFixtureSession(t *testing.T, backend Backend) *Session {
	t.Helper()

	session, err := NewSessionWithBackend(backend, &Config{})
	require.NoError(t, err)

	return session
}

// failingBackend wraps another backend and fails a fixed number of RootDSE
// reads before recovering.
type failingBackend struct {
	Backend
	rootDSEFailures int
}

func (f *failingBackend) RootDSE(ctx context.Context) (*ldap.Entry, error) {
	if f.rootDSEFailures > 0 {
		f.rootDSEFailures--
		return nil, &DirectoryError{
			Operation: "root_dse",
			Category:  ErrorCategoryConnection,
			Message:   "directory unreachable",
			Retryable: true,
		}
	}
	return f.Backend.RootDSE(ctx)
}
