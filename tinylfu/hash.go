package tinylfu

import "fmt"

// stringify is the fallback path for hashOf when K is neither string nor
// []byte: any comparable type has a usable fmt representation, and the
// sketch/bloom filter only need a stable, well-distributed hash, not a
// reversible encoding.
func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
