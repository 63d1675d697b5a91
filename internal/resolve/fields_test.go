package resolve

// Test Plan for the field resolver:
// - $-tokens set resolve-option bits; $all sets every bit
// - __delta / __delta.action / __delta.time / __views set meta flags
// - dotted paths build an include tree across relation schemes
// - unknown tokens are silently ignored
// - Next returns explicit children, synthesizes empty nodes otherwise
// - depth advances by one per Next
// - Data/Extra children are free-form (nil scheme)

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-works/trellis/internal/scheme"
)

func fieldsRegistry(t *testing.T) *scheme.Registry {
	t.Helper()
	reg := scheme.NewRegistry()
	reg.Add(scheme.New("things").
		AddField(&scheme.Field{Name: "peer", Type: scheme.Object, Foreign: "things"}).
		AddField(&scheme.Field{Name: "meta", Type: scheme.Extra}).
		AddField(&scheme.Field{Name: "name", Type: scheme.Text, Flags: scheme.FlagIndexed}))
	require.NoError(t, reg.Freeze())
	return reg
}

func TestResolveOptions(t *testing.T) {
	t.Parallel()
	reg := fieldsRegistry(t)
	things := reg.Get("things")

	fr := NewFieldResolver(reg, things, "$ids,$files", 3)
	assert.True(t, fr.Options().Has(OptIds))
	assert.True(t, fr.Options().Has(OptFiles))
	assert.False(t, fr.Options().Has(OptSets))

	all := NewFieldResolver(reg, things, "$all", 3)
	assert.True(t, all.Options().Has(OptAll))
}

func TestMetaFlags(t *testing.T) {
	t.Parallel()
	reg := fieldsRegistry(t)
	things := reg.Get("things")

	fr := NewFieldResolver(reg, things, "__delta", 3)
	assert.True(t, fr.Meta().Has(MetaAction|MetaTime))
	assert.False(t, fr.Meta().Has(MetaView))

	fr = NewFieldResolver(reg, things, "__delta.action,__views", 3)
	assert.True(t, fr.Meta().Has(MetaAction))
	assert.False(t, fr.Meta().Has(MetaTime))
	assert.True(t, fr.Meta().Has(MetaView))
}

func TestIncludeTree(t *testing.T) {
	t.Parallel()
	reg := fieldsRegistry(t)
	things := reg.Get("things")

	fr := NewFieldResolver(reg, things, "peer.peer,name,ghost.path", 2)

	assert.True(t, fr.ResolvesData())
	assert.Equal(t, []string{"peer", "name"}, fr.Includes(), "ghost is ignored")

	child := fr.Next("peer")
	assert.Equal(t, 1, child.Depth())
	assert.Equal(t, "things", child.Scheme().Name)
	assert.True(t, child.Included("peer"))

	grand := child.Next("peer")
	assert.Equal(t, 2, grand.Depth())
	assert.False(t, grand.ResolvesData())
}

func TestNextSynthesized(t *testing.T) {
	t.Parallel()
	reg := fieldsRegistry(t)
	things := reg.Get("things")

	fr := NewFieldResolver(reg, things, "$ids", 4)
	node := fr.Next("peer")
	require.NotNil(t, node)
	assert.Equal(t, 1, node.Depth())
	assert.True(t, node.Options().Has(OptIds), "options propagate")
	assert.False(t, node.ResolvesData())

	free := fr.Next("meta")
	assert.Nil(t, free.Scheme(), "extra fields descend free-form")
}
