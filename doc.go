/*
Package activedirectory is a client-side convenience layer over Active
Directory and compatible LDAP directories.

It sits above the wire protocol and handles the parts that are tedious to
get right by hand: building injection-safe search filters from structured
criteria, coercing attribute values between wire strings and Go types,
wrapping entries in objects with stable GUID identity, and walking the
directory tree.

# Architecture Overview

The package is organized into several core components:

  - Session: one authenticated identity; owns the connection state, the
    resolver cache, and the memoized root object
  - Criterion/BuildFilter: structured search criteria rendered to escaped
    LDAP filters
  - Object: a single directory entry with lazy, typed, cached attribute
    access and tree traversal
  - Schema: attribute name to type and writability mapping driving coercion
  - Backend: the transport boundary; the production implementation pools
    LDAP connections, tests substitute an in-memory one

# Connection Management

The production backend adapts a pooled LDAP client:

  - SRV-based domain controller discovery with LDAPS preference
  - Connection pooling with idle recycling and health checks
  - Automatic retry with exponential backoff for transient network errors,
    confined to the backend; layers above never retry
  - Simple bind, Kerberos GSSAPI (ccache, keytab, or password), and
    client-certificate authentication

# Identity and Caching

Objects compare equal exactly when their objectGUIDs are equal; a move or
rename changes the DN but never the identity. Resolve accepts DN, GUID,
SID, UPN, and SAM account name formats with automatic detection, and
memoizes successful resolutions per session. Failures are never cached.

# Searching

Search criteria combine with AND; values are escaped so caller-supplied
strings cannot terminate or extend the filter, while * wildcards survive
as substring matches. Results stream lazily with transparent paging, so
iteration can stop early without fetching remaining pages.

# Thread Safety

Sessions and Objects are safe for concurrent use. Result cursors and tree
walks are single-consumer; overlapping writes to the same attribute need
external coordination.

# Example Usage

	cfg := &activedirectory.Config{
		Domain:   "example.com",
		Username: "administrator@example.com",
		Password: "password",
	}
	session, err := activedirectory.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	// Find one object by ambiguous name resolution.
	tim, found, err := session.FindUser(ctx, "tim")
	if err != nil {
		return err
	}
	if found {
		logons, _ := tim.GetInt(ctx, "logonCount")
		fmt.Println(tim.DN(), logons)
	}

	// Stream all people whose display name starts with Tim.
	results, err := session.Search(ctx,
		activedirectory.Eq("objectCategory", "person"),
		activedirectory.Eq("displayName", "Tim*"),
	)
	if err != nil {
		return err
	}
	defer results.Close()
	for results.Next() {
		fmt.Println(results.Object().DN())
	}
	if err := results.Err(); err != nil {
		return err
	}

	// Walk the tree from the domain root.
	root, err := session.Root(ctx)
	if err != nil {
		return err
	}
	walk := root.Walk(ctx)
	for walk.Next() {
		step := walk.Step()
		fmt.Println(step.Container.DN(), len(step.Items))
	}
	if err := walk.Err(); err != nil {
		return err
	}
*/
package activedirectory
