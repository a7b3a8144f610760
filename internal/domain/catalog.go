package domain

// CatalogVariant is a purchasable SKU of an upstream catalog product.
type CatalogVariant struct {
	ID        int64
	Title     string
	PriceCent int64
	Enabled   bool
}

// CatalogProduct is the slice of an upstream product needed for variant
// resolution: identity plus the variants array.
type CatalogProduct struct {
	ID       string
	Title    string
	Variants []CatalogVariant
}

// VariantMatchKind names the path a variant resolution took.
type VariantMatchKind string

const (
	// VariantMatchByID means the line item's variant id matched an enabled variant.
	VariantMatchByID VariantMatchKind = "variantId"
	// VariantMatchBySize means the legacy size token path produced a unique match.
	VariantMatchBySize VariantMatchKind = "sizeColor"
)

// VariantResolution is the transient outcome of resolving a line item against
// a catalog product. It is never persisted.
type VariantResolution struct {
	VariantID     int64
	UpstreamPrice int64
	MatchedBy     VariantMatchKind
}
