package search

// FieldType is the mapped type of a document field.
type FieldType string

const (
	FieldKeyword FieldType = "keyword"
	FieldText    FieldType = "text"
	FieldDate    FieldType = "date"
	FieldLong    FieldType = "long"
	FieldBoolean FieldType = "boolean"
)

// DefaultMaxResultWindow is the largest page a search or scroll may request
// from an index created without a max_result_window setting.
const DefaultMaxResultWindow = 10000

// DateFormat accepts ISO-8601 dates and epoch milliseconds interchangeably.
const DateFormat = "strict_date_optional_time||epoch_millis"

// Field is a single field mapping.
type Field struct {
	Type   FieldType
	Format string
}

// Keyword returns an exact-match string field.
func Keyword() Field { return Field{Type: FieldKeyword} }

// Text returns a full-text string field.
func Text() Field { return Field{Type: FieldText} }

// Date returns a date field in DateFormat.
func Date() Field { return Field{Type: FieldDate, Format: DateFormat} }

// Long returns a 64-bit integer field.
func Long() Field { return Field{Type: FieldLong} }

// Boolean returns a boolean field.
func Boolean() Field { return Field{Type: FieldBoolean} }

// Mapping declares the fields of an index.
type Mapping struct {
	// Category names the kind of document stored in the index. It is kept in
	// the mapping's _meta section.
	Category string

	// Properties maps field names to their declared type.
	Properties map[string]Field

	// DynamicStringsAsKeyword maps string fields not listed in Properties to
	// keyword instead of text, so arbitrary metadata tags are not tokenized.
	DynamicStringsAsKeyword bool

	// MaxResultWindow raises index.max_result_window so scrolls can page
	// in larger batches. Zero keeps DefaultMaxResultWindow.
	MaxResultWindow int
}

// ResultWindow returns the largest page size the index accepts.
func (m Mapping) ResultWindow() int {
	if m.MaxResultWindow > 0 {
		return m.MaxResultWindow
	}
	return DefaultMaxResultWindow
}

// Body renders the mapping as an index creation request body.
func (m Mapping) Body() map[string]any {
	props := make(map[string]any, len(m.Properties))
	for name, f := range m.Properties {
		p := map[string]any{"type": string(f.Type)}
		if f.Format != "" {
			p["format"] = f.Format
		}
		props[name] = p
	}

	mappings := map[string]any{
		"properties": props,
	}
	if m.Category != "" {
		mappings["_meta"] = map[string]any{"category": m.Category}
	}
	if m.DynamicStringsAsKeyword {
		mappings["dynamic_templates"] = []any{
			map[string]any{
				"strings_as_keyword": map[string]any{
					"match_mapping_type": "string",
					"mapping":            map[string]any{"type": string(FieldKeyword)},
				},
			},
		}
	}
	body := map[string]any{"mappings": mappings}
	if m.MaxResultWindow > 0 {
		body["settings"] = map[string]any{
			"index": map[string]any{"max_result_window": m.MaxResultWindow},
		}
	}
	return body
}
