package pipeline

import "github.com/loomworks/loom/pkg/schema"

// Normalize maps the shapes node handlers commonly return onto an ordered
// item collection. Accepted shapes: nil, a single item, a collection, a
// []any of maps, or any other scalar (wrapped under "data"). Order preserved.
func Normalize(v any) schema.ItemCollection {
	switch val := v.(type) {
	case nil:
		return nil
	case schema.ItemCollection:
		return val
	case []schema.Item:
		return schema.ItemCollection(val)
	case schema.Item:
		return schema.ItemCollection{val}
	case []any:
		out := make(schema.ItemCollection, 0, len(val))
		for _, e := range val {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, schema.Item{"data": e})
			}
		}
		return out
	default:
		return schema.ItemCollection{{"data": v}}
	}
}

// CopyCollection returns a deep-enough copy for pin seeding: items are copied
// map-by-map so later handler mutation cannot alter pinned data.
func CopyCollection(items schema.ItemCollection) schema.ItemCollection {
	if items == nil {
		return nil
	}
	out := make(schema.ItemCollection, len(items))
	for i, item := range items {
		cp := make(schema.Item, len(item))
		for k, v := range item {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}
