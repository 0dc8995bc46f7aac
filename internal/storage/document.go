package storage

import (
	"strings"

	"golang.org/x/xerrors"
)

var (
	// ErrEmptyIndex is returned when an update is attempted without a key path.
	ErrEmptyIndex = xerrors.New("storage: empty index")
	// ErrNotDocument is returned when a path crosses a value that is not a document.
	ErrNotDocument = xerrors.New("storage: path segment is not a document")
)

// Index is an ordered key path into a nested document.
type Index []string

func (i Index) String() string {
	if len(i) == 0 {
		return "<root>"
	}
	return strings.Join(i, ".")
}

// Document is a JSON-compatible nested key/value tree.
type Document = map[string]any

// TransformFn receives the current value at an index (nil when absent) and
// returns the value to store. Returning nil stores nil; use Delete to remove.
type TransformFn func(current any) (any, error)

// GetValue returns the value addressed by index, or nil when any segment is
// missing. An empty index returns the whole document, or nil when it has no
// entries.
func GetValue(doc Document, index Index) any {
	if len(index) == 0 {
		if len(doc) == 0 {
			return nil
		}
		return doc
	}
	var cur any = doc
	for _, key := range index {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// UpdateValue returns a copy of doc where the value at index has been replaced
// by the transform result. Only the maps along the path are copied; doc itself
// is left untouched. Intermediate segments that are not documents are
// overwritten with empty documents.
//
// If transform fails, fallback is consulted with the failure and transform is
// retried with a nil current value. A second failure is returned.
func UpdateValue(doc Document, index Index, transform TransformFn, fallback func(error)) (Document, error) {
	if len(index) == 0 {
		return nil, ErrEmptyIndex
	}

	root := shallowCopy(doc)
	parent := root
	for _, key := range index[:len(index)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			child = Document{}
		} else {
			child = shallowCopy(child)
		}
		parent[key] = child
		parent = child
	}

	last := index[len(index)-1]
	next, err := transform(DeepCopy(parent[last]))
	if err != nil {
		if fallback != nil {
			fallback(err)
		}
		next, err = transform(nil)
		if err != nil {
			return nil, xerrors.Errorf("transform %s: %w", index, err)
		}
	}
	parent[last] = DeepCopy(next)
	return root, nil
}

// DeleteValue returns a copy of doc without the entry at index. Deleting a
// missing key is a no-op; crossing a non-document value is ErrNotDocument. An
// empty index yields an empty document.
func DeleteValue(doc Document, index Index) (Document, error) {
	if len(index) == 0 {
		return Document{}, nil
	}

	root := shallowCopy(doc)
	parent := root
	for _, key := range index[:len(index)-1] {
		raw, ok := parent[key]
		if !ok {
			return root, nil
		}
		child, ok := raw.(map[string]any)
		if !ok {
			return nil, xerrors.Errorf("delete %s at %q: %w", index, key, ErrNotDocument)
		}
		child = shallowCopy(child)
		parent[key] = child
		parent = child
	}
	delete(parent, index[len(index)-1])
	return root, nil
}

// DeepCopy clones maps and slices so the result shares no mutable state with v.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		return v
	}
}

func shallowCopy(doc Document) Document {
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	return out
}
