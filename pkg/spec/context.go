package spec

// Context carries per-call translation state: the entity type being queried,
// logical-to-physical field name mapping, and an optional table alias plus
// join clauses for relational rendering. Contexts are ephemeral; callers
// build one per translation and discard it.
type Context struct {
	// EntityType is the logical entity the specification targets.
	EntityType string

	// FieldMap maps logical field names to physical column or document paths.
	// Fields without an entry pass through unchanged.
	FieldMap map[string]string

	// TableAlias, when set, prefixes every resolved SQL column reference.
	TableAlias string

	// Joins lists JOIN clauses the caller must append to the FROM clause for
	// the rendered WHERE clause to be valid. The engine only carries them.
	Joins []string
}

// NewContext creates a translation context for the given entity type.
func NewContext(entityType string) *Context {
	return &Context{EntityType: entityType}
}

// WithFieldMap returns a copy of the context using the given field mapping.
func (c *Context) WithFieldMap(m map[string]string) *Context {
	out := *c
	out.FieldMap = m
	return &out
}

// WithAlias returns a copy of the context using the given table alias.
func (c *Context) WithAlias(alias string) *Context {
	out := *c
	out.TableAlias = alias
	return &out
}

// resolveField maps a logical field name to its physical form for SQL
// rendering, applying the field map and table alias.
func (c *Context) resolveField(field string) string {
	if c == nil {
		return field
	}
	if mapped, ok := c.FieldMap[field]; ok {
		field = mapped
	}
	if c.TableAlias != "" {
		return c.TableAlias + "." + field
	}
	return field
}

// resolveFilterField maps a logical field name for document-filter rendering.
// Aliases do not apply to document stores.
func (c *Context) resolveFilterField(field string) string {
	if c == nil {
		return field
	}
	if mapped, ok := c.FieldMap[field]; ok {
		return mapped
	}
	return field
}
