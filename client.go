package activedirectory

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// rootDSEAttributes is the attribute set requested from the root DSE.
var rootDSEAttributes = []string{
	"defaultNamingContext",
	"rootDomainNamingContext",
	"configurationNamingContext",
	"schemaNamingContext",
	"namingContexts",
	"dnsHostName",
	"serverName",
	"supportedLDAPVersion",
	"supportedSASLMechanisms",
	"supportedControl",
}

// LDAPBackend is the production Backend: a pooled, authenticated LDAP
// client with per-operation retry and lazily paged search streams.
type LDAPBackend struct {
	pool   *connectionPool
	config *Config
	log    Logger
}

// NewLDAPBackend applies configuration defaults, validates, and resolves
// the server list. No connection is dialed until the first operation.
func NewLDAPBackend(config *Config) (*LDAPBackend, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	return newLDAPBackend(cfg)
}

// newLDAPBackend assumes a defaulted config.
func newLDAPBackend(cfg *Config) (*LDAPBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.logger()
	log.Debug("creating directory backend", map[string]any{
		"domain":          cfg.Domain,
		"url_count":       len(cfg.URLs),
		"auth_method":     cfg.AuthMethod().String(),
		"use_tls":         cfg.UseTLS,
		"max_connections": cfg.MaxConnections,
	})

	pool, err := newConnectionPool(cfg)
	if err != nil {
		return nil, WrapError("connect", err)
	}

	return &LDAPBackend{
		pool:   pool,
		config: cfg,
		log:    log,
	}, nil
}

// Close shuts down the backend and its connection pool.
func (b *LDAPBackend) Close() error {
	return b.pool.Close()
}

// Stats returns connection pool statistics.
func (b *LDAPBackend) Stats() PoolStats {
	return b.pool.Stats()
}

// Ping verifies connectivity and authentication with a minimal root DSE
// read.
func (b *LDAPBackend) Ping(ctx context.Context) error {
	return logOperation(b.log, "ping", map[string]any{
		"domain": b.config.Domain,
	}, func() error {
		conn, err := b.pool.Get(ctx)
		if err != nil {
			return WrapError("ping", err)
		}
		defer conn.Close()

		searchReq := ldap.NewSearchRequest(
			"",
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			1, 5, false,
			"(objectClass=*)",
			[]string{"defaultNamingContext"},
			nil,
		)

		if _, err := conn.Conn().Search(searchReq); err != nil {
			return NewDirectoryError("ping", err)
		}
		return nil
	})
}

// RootDSE reads the server's root DSE entry.
func (b *LDAPBackend) RootDSE(ctx context.Context) (*ldap.Entry, error) {
	conn, err := b.pool.Get(ctx)
	if err != nil {
		return nil, WrapError("root_dse", err)
	}
	defer conn.Close()

	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 10, false,
		"(objectClass=*)",
		rootDSEAttributes,
		nil,
	)

	var result *ldap.SearchResult
	err = b.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(searchReq)
		return searchErr
	})
	if err != nil {
		return nil, NewDirectoryError("root_dse", err)
	}

	if len(result.Entries) == 0 {
		return nil, &DirectoryError{
			Operation: "root_dse",
			Category:  ErrorCategoryServer,
			Message:   "server returned no root DSE entry",
		}
	}

	return result.Entries[0], nil
}

// Get reads a single entry by DN. A missing entry surfaces as a not-found
// error, whether the server reports noSuchObject or an empty result.
func (b *LDAPBackend) Get(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	if dn == "" {
		return nil, &DirectoryError{
			Operation: "get",
			Category:  ErrorCategoryValidation,
			Message:   "DN cannot be empty",
		}
	}

	conn, err := b.pool.Get(ctx)
	if err != nil {
		return nil, WrapError("get", err)
	}
	defer conn.Close()

	searchReq := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, int(b.config.Timeout.Seconds()), false,
		"(objectClass=*)",
		attributes,
		nil,
	)

	var result *ldap.SearchResult
	err = b.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(searchReq)
		return searchErr
	})
	if err != nil {
		dirErr := NewDirectoryError("get", err)
		dirErr.DN = dn
		return nil, dirErr
	}

	if len(result.Entries) == 0 {
		return nil, &DirectoryError{
			Operation: "get",
			Category:  ErrorCategoryNotFound,
			Message:   "no such object",
			DN:        dn,
		}
	}

	return result.Entries[0], nil
}

// Search runs a search and returns a stream over its results. With a
// positive SizeLimit the whole (bounded) result is fetched eagerly;
// otherwise entries arrive page by page as the stream advances, and a
// stream abandoned early never transfers the remaining pages.
func (b *LDAPBackend) Search(ctx context.Context, req *SearchRequest) (EntryStream, error) {
	if req == nil {
		return nil, &DirectoryError{
			Operation: "search",
			Category:  ErrorCategoryValidation,
			Message:   "search request cannot be nil",
		}
	}

	streamReq := *req
	if streamReq.Filter == "" {
		streamReq.Filter = "(objectClass=*)"
	}

	conn, err := b.pool.Get(ctx)
	if err != nil {
		return nil, WrapError("search", err)
	}

	if streamReq.SizeLimit > 0 {
		defer conn.Close()
		return b.searchBounded(ctx, conn, &streamReq)
	}

	pageSize := streamReq.PageSize
	if pageSize == 0 {
		pageSize = b.config.PageSize
	}

	b.log.Trace("starting paged search", map[string]any{
		"base_dn":   streamReq.BaseDN,
		"scope":     streamReq.Scope.String(),
		"filter":    streamReq.Filter,
		"page_size": pageSize,
	})

	return &ldapEntryStream{
		ctx:     ctx,
		backend: b,
		conn:    conn,
		req:     streamReq,
		paging:  ldap.NewControlPaging(pageSize),
		start:   time.Now(),
	}, nil
}

// searchBounded serves size-limited searches with a single round trip.
func (b *LDAPBackend) searchBounded(ctx context.Context, conn *pooledConnection, req *SearchRequest) (EntryStream, error) {
	searchReq := ldap.NewSearchRequest(
		req.BaseDN,
		req.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err := b.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(searchReq)
		return searchErr
	})
	if err != nil {
		// A size limit hit is not a failure; the server delivered as many
		// entries as requested.
		if !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			dirErr := NewDirectoryError("search", err)
			dirErr.DN = req.BaseDN
			return nil, dirErr
		}
	}

	entries := []*ldap.Entry{}
	if result != nil {
		entries = result.Entries
	}

	return NewSliceStream(entries), nil
}

// Modify applies attribute changes to an entry in one atomic operation.
func (b *LDAPBackend) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil || req.DN == "" {
		return &DirectoryError{
			Operation: "modify",
			Category:  ErrorCategoryValidation,
			Message:   "modify request requires a DN",
		}
	}

	conn, err := b.pool.Get(ctx)
	if err != nil {
		return WrapError("modify", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}
	for attr, values := range req.DeleteAttributes {
		ldapReq.Delete(attr, values)
	}

	err = b.withRetry(ctx, func() error {
		return conn.Conn().Modify(ldapReq)
	})
	if err != nil {
		dirErr := NewDirectoryError("modify", err)
		dirErr.DN = req.DN
		logLDAPError(b.log, "modify", err, map[string]any{"dn": req.DN})
		return dirErr
	}

	b.log.Debug("modify applied", map[string]any{
		"dn":            req.DN,
		"add_count":     len(req.AddAttributes),
		"replace_count": len(req.ReplaceAttributes),
		"delete_count":  len(req.DeleteAttributes),
	})

	return nil
}

// WhoAmI performs the Who Am I? extended operation and returns the raw
// authorization identity.
func (b *LDAPBackend) WhoAmI(ctx context.Context) (string, error) {
	conn, err := b.pool.Get(ctx)
	if err != nil {
		return "", WrapError("whoami", err)
	}
	defer conn.Close()

	var result *ldap.WhoAmIResult
	err = b.withRetry(ctx, func() error {
		var whoamiErr error
		result, whoamiErr = conn.Conn().WhoAmI(nil)
		return whoamiErr
	})
	if err != nil {
		return "", NewDirectoryError("whoami", err)
	}

	if result == nil {
		return "", &DirectoryError{
			Operation: "whoami",
			Category:  ErrorCategoryServer,
			Message:   "server returned no authorization identity",
		}
	}

	return result.AuthzID, nil
}

// withRetry runs an operation, retrying transient failures with
// exponential backoff. Retry lives only here in the backend; the layers
// above never retry on their own.
func (b *LDAPBackend) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := b.config.InitialBackoff

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			b.log.Debug("retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  b.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				b.log.Info("operation succeeded after retries", map[string]any{
					"attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == b.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*b.config.BackoffFactor), b.config.MaxBackoff)
		}
	}

	b.log.Error("operation failed after all retries", map[string]any{
		"attempts": b.config.MaxRetries + 1,
		"error":    lastErr.Error(),
	})

	return lastErr
}

// ldapEntryStream walks a paged search result. It holds one pooled
// connection for its whole life because the server ties the paging cookie
// to the connection that issued it. Not safe for concurrent use.
type ldapEntryStream struct {
	ctx     context.Context
	backend *LDAPBackend
	conn    *pooledConnection
	req     SearchRequest
	paging  *ldap.ControlPaging
	buffer  []*ldap.Entry
	current *ldap.Entry
	done    bool
	closed  bool
	err     error
	pages   int
	total   int
	start   time.Time
}

func (s *ldapEntryStream) Next() bool {
	for {
		if s.closed || s.err != nil {
			return false
		}

		if len(s.buffer) > 0 {
			s.current = s.buffer[0]
			s.buffer = s.buffer[1:]
			return true
		}

		if s.done {
			s.release()
			return false
		}

		if err := s.fetchPage(); err != nil {
			s.err = err
			s.release()
			return false
		}
	}
}

func (s *ldapEntryStream) Entry() *ldap.Entry {
	return s.current
}

func (s *ldapEntryStream) Err() error {
	return s.err
}

func (s *ldapEntryStream) Close() error {
	s.release()
	return nil
}

// fetchPage requests the next page on the held connection and records
// whether the server reports more.
func (s *ldapEntryStream) fetchPage() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	ldapReq := ldap.NewSearchRequest(
		s.req.BaseDN,
		s.req.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		0,
		int(s.req.TimeLimit.Seconds()),
		false,
		s.req.Filter,
		s.req.Attributes,
		[]ldap.Control{s.paging},
	)

	var result *ldap.SearchResult
	err := s.backend.withRetry(s.ctx, func() error {
		var searchErr error
		result, searchErr = s.conn.Conn().Search(ldapReq)
		return searchErr
	})
	if err != nil {
		dirErr := NewDirectoryError("search", err)
		dirErr.DN = s.req.BaseDN
		return dirErr
	}

	s.pages++
	s.total += len(result.Entries)
	s.buffer = result.Entries

	control := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
	if response, ok := control.(*ldap.ControlPaging); ok && len(response.Cookie) > 0 {
		s.paging.SetCookie(response.Cookie)
	} else {
		s.done = true
		s.backend.log.Trace("paged search complete", map[string]any{
			"base_dn":     s.req.BaseDN,
			"filter":      s.req.Filter,
			"pages":       s.pages,
			"entries":     s.total,
			"duration_ms": time.Since(s.start).Milliseconds(),
		})
	}

	return nil
}

// release returns the held connection to the pool. Abandoned paging
// cookies are left for the server to expire.
func (s *ldapEntryStream) release() {
	if s.closed {
		return
	}
	s.closed = true

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
