package paging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Default key paths used when a Codec field is left empty.
const (
	DefaultItemsPath        = "items"
	DefaultContinuationPath = "continuationToken"
)

// Codec locates the item array and the continuation token inside a
// structured response payload using dot-separated key paths. It is
// immutable and safe to share across fetches.
type Codec struct {
	// ItemsPath locates the array of raw items. Empty means DefaultItemsPath.
	ItemsPath string

	// ContinuationPath locates the continuation token string.
	// Empty means DefaultContinuationPath.
	ContinuationPath string

	// ItemTag, when non-empty, names a single-key wrapper object around
	// each item. Payloads produced from element-tagged collections (XML
	// style transports) wrap every entry as {"<tag>": {...}}; ItemTag
	// unwraps them.
	ItemTag string
}

// Decode parses a raw JSON payload into the nested key-value structure the
// path walk operates on. An empty payload is ErrNoData.
func (c Codec) Decode(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, ErrNoData
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("paging: parsing response payload: %w", err)
	}

	return doc, nil
}

// ExtractItems walks ItemsPath through the payload and returns the single
// matching array's elements. Zero matches is ErrNotPaged; more than one
// match is ErrAmbiguousPath.
func (c Codec) ExtractItems(doc map[string]any) ([]any, error) {
	path := c.ItemsPath
	if path == "" {
		path = DefaultItemsPath
	}

	var matches []any

	walkPath(doc, strings.Split(path, "."), func(v any) {
		if arr, ok := v.([]any); ok {
			matches = append(matches, arr)
		}
	})

	switch len(matches) {
	case 0:
		return nil, ErrNotPaged
	case 1:
		return c.unwrapItems(matches[0].([]any)), nil
	default:
		return nil, fmt.Errorf("%w: %d arrays match %q", ErrAmbiguousPath, len(matches), path)
	}
}

// ExtractToken walks ContinuationPath and returns the continuation token.
// Absence is not an error, it means the server has stopped paging, so a
// missing token yields ("", nil). Two matching strings is ErrAmbiguousPath.
func (c Codec) ExtractToken(doc map[string]any) (string, error) {
	path := c.ContinuationPath
	if path == "" {
		path = DefaultContinuationPath
	}

	var matches []string

	walkPath(doc, strings.Split(path, "."), func(v any) {
		if s, ok := v.(string); ok {
			matches = append(matches, s)
		}
	})

	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %d tokens match %q", ErrAmbiguousPath, len(matches), path)
	}
}

// walkPath follows comps through nested objects, reporting every candidate
// value to visit. An array reached before the path is exhausted is itself a
// candidate, and its elements are walked with the remaining components
// (wildcard branch), which is how a path can legitimately produce more
// than one match for the caller to reject as ambiguous.
func walkPath(node any, comps []string, visit func(any)) {
	if arr, ok := node.([]any); ok {
		visit(arr)

		if len(comps) > 0 {
			for _, el := range arr {
				walkPath(el, comps, visit)
			}
		}

		return
	}

	if len(comps) == 0 {
		visit(node)
		return
	}

	m, ok := node.(map[string]any)
	if !ok {
		return
	}

	if v, present := m[comps[0]]; present {
		walkPath(v, comps[1:], visit)
	}
}

// unwrapItems strips the ItemTag wrapper object from each item when one is
// configured and present. Items that don't carry the wrapper pass through
// unchanged.
func (c Codec) unwrapItems(items []any) []any {
	if c.ItemTag == "" {
		return items
	}

	out := make([]any, len(items))

	for i, item := range items {
		out[i] = item

		if m, ok := item.(map[string]any); ok && len(m) == 1 {
			if inner, present := m[c.ItemTag]; present {
				out[i] = inner
			}
		}
	}

	return out
}
