package activedirectory

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// SearchScope defines how deep a search reaches from its base DN.
type SearchScope int

const (
	// ScopeBaseObject reads the base entry only.
	ScopeBaseObject SearchScope = iota
	// ScopeSingleLevel reads the immediate children of the base entry.
	ScopeSingleLevel
	// ScopeWholeSubtree reads the base entry and everything beneath it.
	ScopeWholeSubtree
)

// String returns the conventional LDAP name for the scope.
func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

func (s SearchScope) ldapScope() int {
	switch s {
	case ScopeBaseObject:
		return ldap.ScopeBaseObject
	case ScopeSingleLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// SearchRequest encapsulates directory search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
	// PageSize overrides the configured default paging size. Zero keeps
	// the default.
	PageSize uint32
}

// ModifyRequest encapsulates directory modify parameters. All listed
// changes travel in a single LDAP modify operation, so they apply
// atomically or not at all.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	// DeleteAttributes removes the listed values, or the whole attribute
	// when an attribute's value list is empty.
	DeleteAttributes map[string][]string
}

// EntryStream is a lazy cursor over search results. Entries are fetched
// page by page as the consumer advances, so abandoning a stream early
// avoids transferring the remainder:
//
//	stream, err := backend.Search(ctx, req)
//	if err != nil { ... }
//	defer stream.Close()
//	for stream.Next() {
//		entry := stream.Entry()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type EntryStream interface {
	// Next advances to the next entry, returning false when the stream is
	// exhausted or failed.
	Next() bool
	// Entry returns the current entry. Only valid after a true Next.
	Entry() *ldap.Entry
	// Err returns the first error encountered while streaming, if any.
	Err() error
	// Close releases the stream's resources. Safe to call at any point;
	// remaining pages are abandoned.
	Close() error
}

// Backend is the transport boundary: everything above it works in terms
// of entries and filters, everything below it owns connections, paging,
// and retries. Production sessions use the LDAP-backed implementation
// returned by Connect; tests substitute an in-memory one.
type Backend interface {
	// RootDSE reads the server's root DSE entry.
	RootDSE(ctx context.Context) (*ldap.Entry, error)

	// Get reads a single entry by DN with the requested attributes.
	// Returns a not-found error when the DN does not exist.
	Get(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error)

	// Search runs a search and returns a lazy stream over its results.
	Search(ctx context.Context, req *SearchRequest) (EntryStream, error)

	// Modify applies attribute changes to an entry.
	Modify(ctx context.Context, req *ModifyRequest) error

	// WhoAmI returns the authorization identity the directory has bound
	// for this backend's credentials.
	WhoAmI(ctx context.Context) (string, error)

	// Close releases all connections held by the backend.
	Close() error
}

// NewSliceStream wraps a fixed entry list in an EntryStream. Alternate
// Backend implementations can return it where no real paging exists.
func NewSliceStream(entries []*ldap.Entry) EntryStream {
	return &sliceStream{entries: entries}
}

type sliceStream struct {
	entries []*ldap.Entry
	current *ldap.Entry
	closed  bool
}

func (s *sliceStream) Next() bool {
	if s.closed || len(s.entries) == 0 {
		return false
	}

	s.current = s.entries[0]
	s.entries = s.entries[1:]

	return true
}

func (s *sliceStream) Entry() *ldap.Entry {
	return s.current
}

func (s *sliceStream) Err() error {
	return nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
