package value

// Test Plan for the value tree:
// - Dict preserves insertion order across Set/Delete
// - Dict.Set on an existing key keeps its position
// - MarshalJSON emits dictionary keys in insertion order
// - ParseJSON round-trips scalars, lists and nested dicts
// - ParseJSON distinguishes integers from floats
// - OID reads __oid from dicts and bare integers
// - Clone produces an independent deep copy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictInsertionOrder(t *testing.T) {
	t.Parallel()

	d := NewDict()
	d.Set("c", Int(3))
	d.Set("a", Int(1))
	d.Set("b", Int(2))
	assert.Equal(t, []string{"c", "a", "b"}, d.Dict().Keys())

	// Overwriting keeps position.
	d.Set("a", Int(10))
	assert.Equal(t, []string{"c", "a", "b"}, d.Dict().Keys())
	assert.Equal(t, int64(10), d.Get("a").Int())

	// Delete preserves remaining order and index integrity.
	d.Delete("c")
	assert.Equal(t, []string{"a", "b"}, d.Dict().Keys())
	assert.Equal(t, int64(2), d.Get("b").Int())
}

func TestMarshalJSONOrdered(t *testing.T) {
	t.Parallel()

	d := NewDict()
	d.Set("z", String("last?no,first"))
	d.Set("a", List(Int(1), Float(2.5), Bool(true), Null()))
	inner := NewDict()
	inner.Set("k", Bytes([]byte{1, 2}))
	d.Set("m", inner)

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":"last?no,first","a":[1,2.5,true,null],"m":{"k":"AQI="}}`, string(b))
}

func TestParseJSONRoundTrip(t *testing.T) {
	t.Parallel()

	src := `{"b":true,"n":null,"i":42,"f":1.5,"s":"x","l":[1,{"y":2}],"d":{"q":"w"}}`
	v, err := ParseJSON([]byte(src))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind())

	assert.Equal(t, KindInt, v.Get("i").Kind())
	assert.Equal(t, int64(42), v.Get("i").Int())
	assert.Equal(t, KindFloat, v.Get("f").Kind())
	assert.InDelta(t, 1.5, v.Get("f").Float(), 1e-9)
	assert.True(t, v.Get("n").IsNull())
	assert.Equal(t, int64(2), v.Get("l").List()[1].Get("y").Int())

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, src, string(out))
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := ParseJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestOID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(7), Int(7).OID())

	d := NewDict()
	d.Set(KeyOID, Int(42))
	assert.Equal(t, int64(42), d.OID())

	assert.Equal(t, int64(0), String("x").OID())
}

func TestClone(t *testing.T) {
	t.Parallel()

	d := NewDict()
	d.Set("l", List(Int(1)))
	c := d.Clone()
	c.Get("l").Append(Int(2))

	assert.Len(t, d.Get("l").List(), 1)
	assert.Len(t, c.Get("l").List(), 2)
}
