package plan

// NewStaticHolder wraps a fixed catalog, bypassing file loading. Used by
// tests and embedded setups.
func NewStaticHolder(c Catalog) (*CatalogHolder, error) {
	if err := validateCatalog(c); err != nil {
		return nil, err
	}
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder, nil
}
