// Package entities writes provider documents into their entity tables
// with last-writer-wins semantics, and fills in related documents the
// payload only references.
package entities

// Doc is one raw provider document. The raw form is the source of
// truth; helpers below pull out the handful of fields the sync path
// needs without committing to a schema.
type Doc = map[string]any

// kindOf returns the object discriminator ("customer", "invoice", ...).
func kindOf(doc Doc) string {
	s, _ := doc["object"].(string)
	return s
}

// docID returns the provider id.
func docID(doc Doc) string {
	s, _ := doc["id"].(string)
	return s
}

// refValue resolves a reference field to a bare id. References arrive
// either as a string id or as an expanded object carrying its own id.
func refValue(doc Doc, field string) string {
	switch v := doc[field].(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["id"].(string)
		return s
	}
	return ""
}

// listStub recognizes an embedded, possibly truncated sublist
// ({"object":"list","data":[...],"has_more":true,"url":...}).
func listStub(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if obj, _ := m["object"].(string); obj != "list" {
		return nil, false
	}
	if _, ok := m["data"].([]any); !ok {
		return nil, false
	}
	return m, true
}
