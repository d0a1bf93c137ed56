package orphan

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkOrphanAndResolveSingleParent(t *testing.T) {
	r := New()

	r.MarkOrphan("child", []string{"parent"})
	assert.Equal(t, 1, r.Len())

	resolved := r.Resolve("parent")
	assert.Equal(t, []string{"child"}, resolved)
	assert.Equal(t, 0, r.Len())
}

func TestResolveOnlyReturnsChildrenWithNoRemainingParents(t *testing.T) {
	r := New()

	r.MarkOrphan("child", []string{"p1", "p2"})

	resolved := r.Resolve("p1")
	assert.Empty(t, resolved, "child still waits on p2")
	assert.Equal(t, []string{"p2"}, r.Parents("child"))

	resolved = r.Resolve("p2")
	assert.Equal(t, []string{"child"}, resolved)
}

func TestResolveFansOutToMultipleChildren(t *testing.T) {
	r := New()

	r.MarkOrphan("childA", []string{"parent"})
	r.MarkOrphan("childB", []string{"parent"})

	resolved := r.Resolve("parent")
	sort.Strings(resolved)
	assert.Equal(t, []string{"childA", "childB"}, resolved)
}

func TestResolveOfUnknownParentIsNoop(t *testing.T) {
	r := New()
	assert.Nil(t, r.Resolve("never-seen"))
}

func TestReMarkOrphanReplacesParentSet(t *testing.T) {
	r := New()

	r.MarkOrphan("child", []string{"oldParent"})
	r.MarkOrphan("child", []string{"newParent"})

	// oldParent resolving must no longer affect child: its orphans[]
	// entry was cleared by the re-mark.
	assert.Nil(t, r.Resolve("oldParent"))
	assert.Equal(t, []string{"child"}, r.Resolve("newParent"))
}

func TestSymmetryInvariant(t *testing.T) {
	r := New()

	r.MarkOrphan("child", []string{"p1", "p2"})

	for child := range r.deps {
		for p := range r.deps[child] {
			children := r.orphans[p]
			_, ok := children[child]
			assert.True(t, ok, "deps[%s] contains %s but orphans[%s] does not contain %s", child, p, p, child)
		}
	}

	for p, children := range r.orphans {
		for child := range children {
			_, ok := r.deps[child][p]
			assert.True(t, ok, "orphans[%s] contains %s but deps[%s] does not contain %s", p, child, child, p)
		}
	}
}
