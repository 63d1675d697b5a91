package scheme

import (
	"fmt"

	"github.com/spf13/viper"
)

// Declarative form of a registry, loadable from YAML. Mirrors the
// shape used in trellis.yml under the "schemes" key.
type registryDecl struct {
	FileScheme string       `mapstructure:"file_scheme"`
	UserScheme string       `mapstructure:"user_scheme"`
	Schemes    []schemeDecl `mapstructure:"schemes"`
}

type schemeDecl struct {
	Name           string            `mapstructure:"name"`
	Delta          bool              `mapstructure:"delta"`
	Access         map[string]string `mapstructure:"access"`
	MaxRequestSize int64             `mapstructure:"max_request_size"`
	MaxVarSize     int64             `mapstructure:"max_var_size"`
	MaxFileSize    int64             `mapstructure:"max_file_size"`
	Fields         []fieldDecl       `mapstructure:"fields"`
}

type fieldDecl struct {
	Name      string   `mapstructure:"name"`
	Type      string   `mapstructure:"type"`
	Transform string   `mapstructure:"transform"`
	Indexed   bool     `mapstructure:"indexed"`
	Unique    bool     `mapstructure:"unique"`
	Protected bool     `mapstructure:"protected"`
	AutoMTime bool     `mapstructure:"auto_mtime"`
	Foreign   string   `mapstructure:"foreign"`
	Owner     string   `mapstructure:"owner"`
	Elem      string   `mapstructure:"elem"`
	Search    []string `mapstructure:"search"`
}

var transformNames = map[string]Transform{
	"":         TransformNone,
	"none":     TransformNone,
	"alias":    TransformAlias,
	"uuid":     TransformUuid,
	"password": TransformPassword,
}

// LoadRegistry builds a frozen Registry from a viper instance that has
// already read the configuration document.
func LoadRegistry(v *viper.Viper) (*Registry, error) {
	var decl registryDecl
	if err := v.Unmarshal(&decl); err != nil {
		return nil, fmt.Errorf("decode scheme declarations: %w", err)
	}

	reg := NewRegistry()
	reg.FileScheme = decl.FileScheme
	reg.UserScheme = decl.UserScheme

	for _, sd := range decl.Schemes {
		s := New(sd.Name)
		s.DeltaTracked = sd.Delta
		s.MaxRequestSize = sd.MaxRequestSize
		s.MaxVarSize = sd.MaxVarSize
		s.MaxFileSize = sd.MaxFileSize

		if len(sd.Access) > 0 {
			s.Access = make(map[Action]Permission, len(sd.Access))
			for name, perm := range sd.Access {
				action, ok := ActionByName(name)
				if !ok {
					return nil, fmt.Errorf("scheme %s: unknown action %q", sd.Name, name)
				}
				p, err := permissionByName(perm)
				if err != nil {
					return nil, fmt.Errorf("scheme %s action %s: %w", sd.Name, name, err)
				}
				s.Access[action] = p
			}
		}

		for _, fd := range sd.Fields {
			f, err := buildField(fd)
			if err != nil {
				return nil, fmt.Errorf("scheme %s: %w", sd.Name, err)
			}
			s.AddField(f)
		}
		reg.Add(s)
	}

	if err := reg.Freeze(); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildField(fd fieldDecl) (*Field, error) {
	ft, ok := FieldTypeByName(fd.Type)
	if !ok {
		return nil, fmt.Errorf("field %s: unknown type %q", fd.Name, fd.Type)
	}
	tr, ok := transformNames[fd.Transform]
	if !ok {
		return nil, fmt.Errorf("field %s: unknown transform %q", fd.Name, fd.Transform)
	}

	var flags Flag
	if fd.Indexed {
		flags |= FlagIndexed
	}
	if fd.Unique {
		flags |= FlagUnique | FlagIndexed
	}
	if fd.Protected {
		flags |= FlagProtected
	}
	if fd.AutoMTime {
		flags |= FlagAutoMTime
	}
	// Alias fields are addressable by definition.
	if tr == TransformAlias {
		flags |= FlagIndexed | FlagUnique
	}

	f := &Field{
		Name:         fd.Name,
		Type:         ft,
		Transform:    tr,
		Flags:        flags,
		Foreign:      fd.Foreign,
		OwnerField:   fd.Owner,
		SearchFields: fd.Search,
	}
	if fd.Elem != "" {
		et, ok := FieldTypeByName(fd.Elem)
		if !ok {
			return nil, fmt.Errorf("field %s: unknown element type %q", fd.Name, fd.Elem)
		}
		f.Elem = et
	}
	return f, nil
}

func permissionByName(name string) (Permission, error) {
	switch name {
	case "restrict":
		return Restrict, nil
	case "partial":
		return Partial, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}
