package llm

import (
	"fmt"
	"strings"

	"muse/internal/tools"
)

// flattenField maps a neutral field spec onto the primitive types both
// backend dialects accept. Anything richer than a primitive is carried as a
// JSON-encoded string with the original type noted in the description. This
// is a deliberate lossy simplification, not an accidental drop: the neutral
// parameter model is flat on purpose and richer shapes would have to be
// added there first.
func flattenField(f tools.FieldSpec) (fieldType, description string) {
	switch f.Type {
	case "", "string":
		return "string", f.Description
	case "number", "integer", "boolean":
		return f.Type, f.Description
	default:
		desc := strings.TrimSpace(f.Description)
		if desc != "" {
			desc += " "
		}
		return "string", desc + fmt.Sprintf("(JSON-encoded %s)", f.Type)
	}
}
