package ctxprop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalContextIsIndestructible(t *testing.T) {
	m := NewManager(nil)
	m.Delete(GlobalContextID)
	ctx, ok := m.Get(GlobalContextID)
	require.True(t, ok)
	assert.Equal(t, ScopeGlobal, ctx.Scope)
}

func TestCreateInheritsParentData(t *testing.T) {
	m := NewManager(nil)
	parent := m.Create(ScopeSession, GlobalContextID, map[string]interface{}{"tenant": "acme"}, true)
	child := m.Create(ScopeRequest, parent.ID, map[string]interface{}{"request_id": "r1"}, true)

	assert.Equal(t, "acme", child.Data["tenant"])
	assert.Equal(t, "r1", child.Data["request_id"])
}

func TestUseRestoresOnPanic(t *testing.T) {
	m := NewManager(nil)
	ctx := m.Create(ScopeTask, GlobalContextID, nil, false)

	func() {
		defer func() { recover() }()
		m.Use(ctx, func() {
			assert.Equal(t, ctx.ID, m.GetCurrent().ID)
			panic("boom")
		})
	}()

	assert.Equal(t, GlobalContextID, m.GetCurrent().ID)
}

func TestLineageChain(t *testing.T) {
	m := NewManager(nil)
	a := m.Create(ScopeSession, GlobalContextID, nil, false)
	b := m.Create(ScopeRequest, a.ID, nil, false)
	c := m.Create(ScopeTask, b.ID, nil, false)

	chain := m.Lineage(c.ID)
	require.Len(t, chain, 4) // c -> b -> a -> global
	assert.Equal(t, c.ID, chain[0].ID)
	assert.Equal(t, GlobalContextID, chain[3].ID)
}

func TestCleanupExpired(t *testing.T) {
	m := NewManager(nil)
	ctx := m.Create(ScopeTask, GlobalContextID, nil, false)
	ctx.Metadata.ExpiresAt = time.Now().Add(-time.Minute)

	removed := m.CleanupExpired()
	assert.Equal(t, 1, removed)
	_, ok := m.Get(ctx.ID)
	assert.False(t, ok)
}

func TestShareSpecificKeys(t *testing.T) {
	m := NewManager(nil)
	src := m.Create(ScopeTask, GlobalContextID, map[string]interface{}{"a": 1, "b": 2}, false)
	dst := m.Create(ScopeTask, GlobalContextID, nil, false)

	ok := m.Share(src.ID, dst.ID, []string{"a"})
	require.True(t, ok)
	assert.Equal(t, 1, dst.Data["a"])
	assert.Nil(t, dst.Data["b"])
}
