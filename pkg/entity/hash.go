package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ComputeHash returns the content hash for an entity: a hex sha256 over the
// definition id, entity id, and a canonical serialization of the payload.
// Identical content produces an identical hash across runs, independent of
// job id. Payload keys with a leading underscore are treated as volatile
// metadata (timestamps, run annotations) and excluded.
func ComputeHash(e *Entity) string {
	var b strings.Builder
	b.WriteString(e.DefinitionID)
	b.WriteByte('\x1f')
	b.WriteString(e.EntityID)
	b.WriteByte('\x1f')
	writeCanonical(&b, e.Payload)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical serializes v deterministically and injectively: map keys
// sorted, volatile (underscore-prefixed) keys dropped, strings and keys
// quoted so structural bytes inside values cannot forge other shapes, and
// scalar forms that keep `1` and `"1"` distinct. JSON marshalling is avoided
// because map iteration order would leak into the hash.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if strings.HasPrefix(k, "_") {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte('=')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strconv.Quote(val))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		// Exact string form so 1 and 1.0 from different decoders agree.
		b.WriteString(fmt.Sprintf("%g", val))
	case float32:
		b.WriteString(fmt.Sprintf("%g", float64(val)))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(b, "%d", val)
	default:
		// Unknown scalar kinds carry their type so distinct kinds with the
		// same textual form cannot collide.
		fmt.Fprintf(b, "%T(%v)", val, val)
	}
}
