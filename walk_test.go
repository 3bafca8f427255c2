package activedirectory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeWalk(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	root, err := session.Root(ctx)
	require.NoError(t, err)

	steps, err := root.Walk(ctx).All()
	require.NoError(t, err)

	t.Run("every container visited exactly once", func(t *testing.T) {
		var visited []string
		for _, step := range steps {
			visited = append(visited, step.Container.Name())
		}
		assert.Equal(t, []string{"example", "Staff", "Engineering", "Users", "Archive"}, visited)
	})

	t.Run("parent emitted before its children", func(t *testing.T) {
		position := make(map[string]int)
		for i, step := range steps {
			position[canonicalDNKey(step.Container.DN())] = i
		}

		for _, step := range steps {
			parentPos := position[canonicalDNKey(step.Container.DN())]
			for _, sub := range step.Containers {
				childPos, ok := position[canonicalDNKey(sub.DN())]
				require.True(t, ok, "sub-container %s never became a step", sub.DN())
				assert.Greater(t, childPos, parentPos, "%s must follow %s", sub.DN(), step.Container.DN())
			}
		}
	})

	t.Run("children partitioned by kind", func(t *testing.T) {
		byName := make(map[string]*WalkStep)
		for _, step := range steps {
			byName[step.Container.Name()] = step
		}

		staff := byName["Staff"]
		require.NotNil(t, staff)
		assert.Equal(t, []string{"Tim Golden", "Fred Smith"}, objectNames(staff.Items))
		assert.Equal(t, []string{"Engineering"}, objectNames(staff.Containers))

		engineering := byName["Engineering"]
		require.NotNil(t, engineering)
		assert.Equal(t, []string{"Sarah Chen", "BUILD01"}, objectNames(engineering.Items))
		assert.Empty(t, engineering.Containers)

		users := byName["Users"]
		require.NotNil(t, users)
		assert.Equal(t, []string{"Domain Admins", "Engineers", "Senior Engineers"}, objectNames(users.Items),
			"groups are leaves, not containers")

		archive := byName["Archive"]
		require.NotNil(t, archive)
		assert.Empty(t, archive.Items)
		assert.Empty(t, archive.Containers)
	})

	t.Run("one query per container", func(t *testing.T) {
		fresh := newFixtureDirectory()
		seedStandardTree(fresh)
		freshSession := newFixtureSession(t, fresh)

		freshRoot, err := freshSession.Root(ctx)
		require.NoError(t, err)

		searchesBefore := fresh.searchCalls
		_, err = freshRoot.Walk(ctx).All()
		require.NoError(t, err)

		assert.Equal(t, 5, fresh.searchCalls-searchesBefore, "five containers, five child listings")
	})
}

func TestTreeWalkSubtree(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	staff, err := session.Resolve(ctx, "OU=Staff,"+fixtureBaseDN)
	require.NoError(t, err)

	steps, err := staff.Walk(ctx).All()
	require.NoError(t, err)

	var visited []string
	for _, step := range steps {
		visited = append(visited, step.Container.Name())
	}
	assert.Equal(t, []string{"Staff", "Engineering"}, visited, "walk stays inside the subtree")
}

func TestTreeWalkOnLeaf(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	tim, err := session.Resolve(ctx, timDN)
	require.NoError(t, err)

	walk := tim.Walk(ctx)
	assert.False(t, walk.Next())
	assert.True(t, IsNotContainerError(walk.Err()))
}

func TestTreeWalkStepwise(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	root, err := session.Root(ctx)
	require.NoError(t, err)

	walk := root.Walk(ctx)

	require.True(t, walk.Next())
	first := walk.Step()
	require.NotNil(t, first)
	assert.True(t, first.Container.Equal(root))

	// Abandoning a walk midway needs no teardown; the cursor just stops.
	require.True(t, walk.Next())
	assert.Equal(t, "Staff", walk.Step().Container.Name())
}

func TestFlatWalk(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	root, err := session.Root(ctx)
	require.NoError(t, err)

	items, err := root.Flat(ctx).All()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Tim Golden",
		"Fred Smith",
		"Sarah Chen",
		"BUILD01",
		"Domain Admins",
		"Engineers",
		"Senior Engineers",
	}, objectNames(items), "all leaves in walk order, no containers, no duplicates")
}

func TestFlatWalkCursor(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	staff, err := session.Resolve(ctx, "OU=Staff,"+fixtureBaseDN)
	require.NoError(t, err)

	flat := staff.Flat(ctx)

	var names []string
	for flat.Next() {
		names = append(names, flat.Object().Name())
	}
	require.NoError(t, flat.Err())

	assert.Equal(t, []string{"Tim Golden", "Fred Smith", "Sarah Chen", "BUILD01"}, names)
	assert.Nil(t, flat.Object(), "cursor is exhausted")
}

func TestFlatWalkOnLeaf(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	tim, err := session.Resolve(ctx, timDN)
	require.NoError(t, err)

	flat := tim.Flat(ctx)
	assert.False(t, flat.Next())
	assert.True(t, IsNotContainerError(flat.Err()))
}

func TestWalkEmptyContainer(t *testing.T) {
	ctx := context.Background()
	backend := newFixtureDirectory()
	seedStandardTree(backend)
	session := newFixtureSession(t, backend)

	archive, err := session.Resolve(ctx, "OU=Archive,"+fixtureBaseDN)
	require.NoError(t, err)

	steps, err := archive.Walk(ctx).All()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Empty(t, steps[0].Items)
	assert.Empty(t, steps[0].Containers)

	items, err := archive.Flat(ctx).All()
	require.NoError(t, err)
	assert.Empty(t, items)
}
