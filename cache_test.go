package activedirectory

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyBuilders(t *testing.T) {
	t.Run("dn keys are case-insensitive", func(t *testing.T) {
		assert.Equal(t,
			dnCacheKey("CN=Tim Golden,OU=Staff,DC=example,DC=com"),
			dnCacheKey("cn=tim golden,ou=staff,dc=EXAMPLE,dc=com"))
	})

	t.Run("prefixes keep identifier classes apart", func(t *testing.T) {
		keys := []string{
			dnCacheKey("CN=x,DC=y"),
			guidCacheKey("01234567-89ab-cdef-0123-456789abcdef"),
			sidCacheKey("S-1-5-21-1-2-3"),
			upnCacheKey("x@y.com"),
			samCacheKey("x"),
		}
		seen := make(map[string]bool)
		for _, key := range keys {
			assert.False(t, seen[key], "duplicate key %q", key)
			seen[key] = true
		}
	})

	t.Run("textual identifiers case-folded", func(t *testing.T) {
		assert.Equal(t, guidCacheKey("ABCDEF01-89ab-cdef-0123-456789abcdef"), guidCacheKey("abcdef01-89AB-cdef-0123-456789ABCDEF"))
		assert.Equal(t, sidCacheKey("s-1-5-18"), sidCacheKey("S-1-5-18"))
		assert.Equal(t, upnCacheKey("Tim@Example.Com"), upnCacheKey("tim@example.com"))
		assert.Equal(t, samCacheKey("Tim.Golden"), samCacheKey("tim.golden"))
	})
}

// cacheTestObject builds an object carrying every identifier class.
func cacheTestObject(t *testing.T, session *Session, cn string) *Object {
	t.Helper()

	dn := "CN=" + cn + ",OU=Staff," + fixtureBaseDN
	entry := &ldap.Entry{
		DN: dn,
		Attributes: []*ldap.EntryAttribute{
			{Name: "objectGUID", Values: []string{uuid.NewString()}},
			{Name: "objectClass", Values: []string{"top", "person", "organizationalPerson", "user"}},
			{Name: "objectSid", Values: []string{"S-1-5-21-1-2-3-1000"}},
			{Name: "userPrincipalName", Values: []string{cn + "@example.com"}},
			{Name: "sAMAccountName", Values: []string{cn}},
		},
	}

	obj, err := newObjectFromEntry(session, entry)
	require.NoError(t, err)
	return obj
}

func TestObjectCachePutGet(t *testing.T) {
	session := newFixtureSession(t, newFixtureDirectory())
	cache, err := newObjectCache(16)
	require.NoError(t, err)

	obj := cacheTestObject(t, session, "tim")
	cache.Put(obj)

	t.Run("reachable by every identifier", func(t *testing.T) {
		for _, key := range []string{
			dnCacheKey(obj.DN()),
			guidCacheKey(obj.GUID().String()),
			sidCacheKey("S-1-5-21-1-2-3-1000"),
			upnCacheKey("tim@example.com"),
			samCacheKey("tim"),
		} {
			got, ok := cache.Get(key)
			require.True(t, ok, "expected hit for %q", key)
			assert.Same(t, obj, got)
		}
	})

	t.Run("unknown key misses", func(t *testing.T) {
		_, ok := cache.Get(dnCacheKey("CN=nobody," + fixtureBaseDN))
		assert.False(t, ok)
	})

	t.Run("nil put is a no-op", func(t *testing.T) {
		cache.Put(nil)
	})
}

func TestObjectCacheEviction(t *testing.T) {
	session := newFixtureSession(t, newFixtureDirectory())

	// Room for one object's keys only.
	cache, err := newObjectCache(5)
	require.NoError(t, err)

	first := cacheTestObject(t, session, "first")
	second := cacheTestObject(t, session, "second")

	cache.Put(first)
	cache.Put(second)

	_, ok := cache.Get(dnCacheKey(first.DN()))
	assert.False(t, ok, "oldest entries must be evicted")

	got, ok := cache.Get(dnCacheKey(second.DN()))
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestObjectCacheClear(t *testing.T) {
	session := newFixtureSession(t, newFixtureDirectory())
	cache, err := newObjectCache(16)
	require.NoError(t, err)

	obj := cacheTestObject(t, session, "tim")
	cache.Put(obj)

	_, ok := cache.Get(dnCacheKey(obj.DN()))
	require.True(t, ok)
	hitsBefore := cache.Stats().Hits
	require.NotZero(t, hitsBefore)

	cache.Clear()

	_, ok = cache.Get(dnCacheKey(obj.DN()))
	assert.False(t, ok, "cleared cache must miss")
	assert.Equal(t, 0, cache.Stats().Entries)
	assert.Equal(t, hitsBefore, cache.Stats().Hits, "hit counters survive a clear")
}

func TestCacheStats(t *testing.T) {
	session := newFixtureSession(t, newFixtureDirectory())
	cache, err := newObjectCache(16)
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.HitRate)

	obj := cacheTestObject(t, session, "tim")
	cache.Put(obj)

	// One hit, one miss.
	cache.Get(dnCacheKey(obj.DN()))
	cache.Get(dnCacheKey("CN=nobody," + fixtureBaseDN))

	stats = cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 5, stats.Entries, "one object occupies one slot per identifier")
}
