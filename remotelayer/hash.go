package remotelayer

import "fmt"

// stringifyAny is the last-resort key stringifier for types that are
// neither string nor fmt.Stringer.
func stringifyAny(v any) string {
	return fmt.Sprintf("%v", v)
}
