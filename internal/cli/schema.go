package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trellis-works/trellis/internal/scheme"
)

// schemaCmd prints the registered schemes and their fields.
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the registered schemes",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		printRegistry(reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func printRegistry(reg *scheme.Registry) {
	for _, name := range reg.Names() {
		s := reg.Get(name)
		delta := ""
		if s.DeltaTracked {
			delta = " (delta)"
		}
		fmt.Printf("%s%s\n", s.Name, delta)
		s.Fields(func(f *scheme.Field) bool {
			desc := f.Type.String()
			if f.Foreign != "" {
				desc += " -> " + f.Foreign
			}
			if f.Transform != scheme.TransformNone {
				desc += fmt.Sprintf(" [%s]", transformName(f.Transform))
			}
			var marks string
			if f.Is(scheme.FlagIndexed) {
				marks += " indexed"
			}
			if f.Is(scheme.FlagUnique) {
				marks += " unique"
			}
			if f.Is(scheme.FlagProtected) {
				marks += " protected"
			}
			fmt.Printf("  %-20s %s%s\n", f.Name, desc, marks)
			return true
		})
	}
	if reg.FileScheme != "" {
		fmt.Printf("file scheme: %s\n", reg.FileScheme)
	}
	if reg.UserScheme != "" {
		fmt.Printf("user scheme: %s\n", reg.UserScheme)
	}
}

func transformName(tr scheme.Transform) string {
	switch tr {
	case scheme.TransformAlias:
		return "alias"
	case scheme.TransformUuid:
		return "uuid"
	case scheme.TransformPassword:
		return "password"
	}
	return "none"
}
