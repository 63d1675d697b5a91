package scheme

import "fmt"

// Scheme is a named record of fields. Schemes are built once at
// startup, added to a Registry and frozen; afterwards they are
// read-only and safe for concurrent use.
type Scheme struct {
	Name string

	fields map[string]*Field
	order  []string

	// DeltaTracked enables the scheme-level delta stream; every
	// mutation advances the scheme's delta timestamp and rows carry
	// __delta metadata.
	DeltaTracked bool

	// Access holds the per-action permission list. A nil map selects
	// the default policy (Full for read, Restrict otherwise, admin
	// bypass if enabled).
	Access map[Action]Permission

	// Check refines Partial grants at the scheme tier.
	Check CheckFunc

	// ObjectCheck refines Partial grants per object and may rewrite
	// the patch.
	ObjectCheck ObjectCheckFunc

	// Request size budgets, surfaced through the resource contract.
	// Zero means "use the configured default".
	MaxRequestSize int64
	MaxVarSize     int64
	MaxFileSize    int64

	frozen bool
}

// New returns an empty scheme with the given name.
func New(name string) *Scheme {
	return &Scheme{
		Name:   name,
		fields: make(map[string]*Field),
	}
}

// AddField declares a field. Redeclaring a name or mutating a frozen
// scheme panics: both are programming errors in startup code.
func (s *Scheme) AddField(f *Field) *Scheme {
	if s.frozen {
		panic(fmt.Sprintf("scheme %s: AddField after freeze", s.Name))
	}
	if _, dup := s.fields[f.Name]; dup {
		panic(fmt.Sprintf("scheme %s: duplicate field %s", s.Name, f.Name))
	}
	s.fields[f.Name] = f
	s.order = append(s.order, f.Name)
	return s
}

// Field returns the named field or nil.
func (s *Scheme) Field(name string) *Field {
	return s.fields[name]
}

// FieldNames returns the declared field names in declaration order.
func (s *Scheme) FieldNames() []string { return s.order }

// Fields calls fn for every field in declaration order.
func (s *Scheme) Fields(fn func(f *Field) bool) {
	for _, name := range s.order {
		if !fn(s.fields[name]) {
			return
		}
	}
}

// AliasField returns the first field carrying the Alias transform, or
// nil when the scheme has no alias.
func (s *Scheme) AliasField() *Field {
	for _, name := range s.order {
		if f := s.fields[name]; f.Transform == TransformAlias {
			return f
		}
	}
	return nil
}

// MTimeField returns the field flagged AutoMTime, or nil.
func (s *Scheme) MTimeField() *Field {
	for _, name := range s.order {
		if f := s.fields[name]; f.Is(FlagAutoMTime) {
			return f
		}
	}
	return nil
}

// ViewFields returns the declared View fields in order.
func (s *Scheme) ViewFields() []*Field {
	var out []*Field
	for _, name := range s.order {
		if f := s.fields[name]; f.Type == View {
			out = append(out, f)
		}
	}
	return out
}

// HasViews reports whether the scheme declares any View field.
func (s *Scheme) HasViews() bool { return len(s.ViewFields()) > 0 }

func (s *Scheme) freeze() { s.frozen = true }

// Registry is the process-wide scheme lookup, immutable after Freeze.
type Registry struct {
	schemes map[string]*Scheme
	order   []string

	// FileScheme and UserScheme name the schemes backing uploaded
	// content and authentication, when configured.
	FileScheme string
	UserScheme string

	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]*Scheme)}
}

// Add registers a scheme. Panics on duplicates or after Freeze.
func (r *Registry) Add(s *Scheme) *Registry {
	if r.frozen {
		panic("registry: Add after freeze")
	}
	if _, dup := r.schemes[s.Name]; dup {
		panic(fmt.Sprintf("registry: duplicate scheme %s", s.Name))
	}
	r.schemes[s.Name] = s
	r.order = append(r.order, s.Name)
	return r
}

// Get returns the named scheme, or nil for unknown names.
func (r *Registry) Get(name string) *Scheme {
	return r.schemes[name]
}

// Names returns the registered scheme names in registration order.
func (r *Registry) Names() []string { return r.order }

// Freeze validates cross-scheme references and makes the registry and
// all its schemes immutable. Returns an error when a reference field
// names an unknown foreign scheme or a Set field lacks its owner.
func (r *Registry) Freeze() error {
	for _, name := range r.order {
		s := r.schemes[name]
		var err error
		s.Fields(func(f *Field) bool {
			if f.IsRelation() || f.IsContent() {
				foreign := r.schemes[f.Foreign]
				if foreign == nil {
					err = fmt.Errorf("scheme %s: field %s references unknown scheme %q", s.Name, f.Name, f.Foreign)
					return false
				}
				if f.Type == Set {
					owner := foreign.Field(f.OwnerField)
					if owner == nil || owner.Type != Object {
						err = fmt.Errorf("scheme %s: set field %s needs an object owner field on %s", s.Name, f.Name, f.Foreign)
						return false
					}
				}
			}
			if f.Type == FullTextView {
				for _, sf := range f.SearchFields {
					src := s.Field(sf)
					if src == nil || src.Type != Text {
						err = fmt.Errorf("scheme %s: fulltext field %s needs text source, got %q", s.Name, f.Name, sf)
						return false
					}
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		s.freeze()
	}
	r.frozen = true
	return nil
}
