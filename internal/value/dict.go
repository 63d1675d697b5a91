package value

// Dict is a string-keyed dictionary that preserves insertion order.
// Response shaping depends on stable key order, so Dict is backed by a
// slice of entries with a side index for lookup.
type Dict struct {
	keys  []string
	index map[string]int
	vals  []*Value
}

func newDict() *Dict {
	return &Dict{index: make(map[string]int)}
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order. The slice is shared; do not
// mutate it.
func (d *Dict) Keys() []string { return d.keys }

// Get returns the value stored under key.
func (d *Dict) Get(key string) (*Value, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.vals[i], true
}

// Set stores key. Existing keys keep their original position.
func (d *Dict) Set(key string, v *Value) {
	if i, ok := d.index[key]; ok {
		d.vals[i] = v
		return
	}
	d.index[key] = len(d.keys)
	d.keys = append(d.keys, key)
	d.vals = append(d.vals, v)
}

// Delete removes key, preserving the order of the remaining entries.
func (d *Dict) Delete(key string) {
	i, ok := d.index[key]
	if !ok {
		return
	}
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
	d.vals = append(d.vals[:i], d.vals[i+1:]...)
	delete(d.index, key)
	for j := i; j < len(d.keys); j++ {
		d.index[d.keys[j]] = j
	}
}

// Range calls fn for each entry in insertion order until fn returns
// false. Mutating d during iteration is not supported, except through
// the keys collected beforehand.
func (d *Dict) Range(fn func(key string, v *Value) bool) {
	for i, k := range d.keys {
		if !fn(k, d.vals[i]) {
			return
		}
	}
}
