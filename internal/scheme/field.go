// Package scheme defines the entity model of the data-access core: a
// Scheme is a named record of typed Fields, registered process-wide in
// an immutable Registry. Schemes also carry per-action permissions and
// request size budgets.
package scheme

// FieldType enumerates the supported field kinds.
type FieldType int

const (
	Integer FieldType = iota
	Boolean
	Text
	Bytes
	Float
	Data
	Extra
	Object
	Set
	Array
	File
	Image
	View
	FullTextView
)

var fieldTypeNames = map[FieldType]string{
	Integer:      "integer",
	Boolean:      "boolean",
	Text:         "text",
	Bytes:        "bytes",
	Float:        "float",
	Data:         "data",
	Extra:        "extra",
	Object:       "object",
	Set:          "set",
	Array:        "array",
	File:         "file",
	Image:        "image",
	View:         "view",
	FullTextView: "fulltext",
}

// String returns the lowercase type name used in declarations and
// error messages.
func (t FieldType) String() string { return fieldTypeNames[t] }

// FieldTypeByName resolves a declaration name to a FieldType.
func FieldTypeByName(name string) (FieldType, bool) {
	for t, n := range fieldTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Transform identifies a value transform applied on the way in or out
// of the store.
type Transform int

const (
	TransformNone Transform = iota
	// TransformAlias marks the field as the scheme's unique string
	// identifier, addressable via the named-<alias> path token.
	TransformAlias
	// TransformUuid stores bytes and emits the canonical string form.
	TransformUuid
	// TransformPassword hashes on write; the stored hash never leaves
	// the adapter except through AuthorizeUser.
	TransformPassword
)

// Flag is a bit set of field attributes.
type Flag uint8

const (
	FlagIndexed Flag = 1 << iota
	FlagUnique
	FlagProtected
	FlagAutoMTime
)

// Field describes one attribute of a Scheme.
type Field struct {
	Name      string
	Type      FieldType
	Transform Transform
	Flags     Flag

	// Foreign names the referenced scheme for Object, Set, View, File
	// and Image fields.
	Foreign string

	// OwnerField names the Object field on the foreign scheme that
	// points back at this scheme. Required for Set fields.
	OwnerField string

	// Elem is the scalar element type for Array fields.
	Elem FieldType

	// SearchFields names the text fields feeding a FullTextView.
	SearchFields []string
}

// Is reports whether all bits of fl are set.
func (f *Field) Is(fl Flag) bool { return f.Flags&fl == fl }

// IsRelation reports whether the field points at other rows that the
// hydrator may expand.
func (f *Field) IsRelation() bool {
	switch f.Type {
	case Object, Set, View:
		return true
	}
	return false
}

// IsContent reports whether the field references stored content.
func (f *Field) IsContent() bool {
	return f.Type == File || f.Type == Image
}

// IsScalar reports whether the field maps to a single column value.
func (f *Field) IsScalar() bool {
	switch f.Type {
	case Integer, Boolean, Text, Bytes, Float, Data, Extra:
		return true
	}
	return false
}
