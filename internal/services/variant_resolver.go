package services

import (
	"fmt"
	"strings"

	domain "github.com/onlyintx/api/internal/domain"
)

// sizeAliases folds the raw catalog spellings onto the storefront vocabulary.
var sizeAliases = map[string]string{
	"XXL":  "2XL",
	"XXXL": "3XL",
}

// recognisedSizes are the tokens treated as a size when scanning variant titles.
var recognisedSizes = map[string]bool{
	"XS":  true,
	"S":   true,
	"M":   true,
	"L":   true,
	"XL":  true,
	"2XL": true,
	"3XL": true,
	"4XL": true,
	"5XL": true,
}

// VariantNotFoundError reports that a line item could not be resolved to
// exactly one enabled variant of its product.
type VariantNotFoundError struct {
	ProductID string
	VariantID int64
	Size      string
	Color     string
	Reason    string
}

// Error implements the error interface.
func (e *VariantNotFoundError) Error() string {
	if e == nil {
		return ""
	}
	identifier := e.Size
	if e.VariantID != 0 {
		identifier = fmt.Sprintf("variant %d", e.VariantID)
	} else if e.Color != "" {
		identifier = e.Size + " / " + e.Color
	}
	return fmt.Sprintf("variant not found for product %s (%s): %s", e.ProductID, identifier, e.Reason)
}

// CanonicalSize maps a raw size token onto the storefront vocabulary,
// returning false when the token is not a size at all.
func CanonicalSize(raw string) (string, bool) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := sizeAliases[token]; ok {
		token = alias
	}
	if recognisedSizes[token] {
		return token, true
	}
	return "", false
}

// variantAttributes extracts the size and colour tokens from a variant title.
// Titles read "Solid Black / S"; older products use " - " as the separator.
func variantAttributes(title string) (size string, color string) {
	parts := strings.Split(title, " / ")
	if len(parts) == 1 {
		parts = strings.Split(title, " - ")
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if canonical, ok := CanonicalSize(part); ok && size == "" {
			size = canonical
			continue
		}
		if color == "" {
			color = part
		}
	}
	return size, color
}

// ResolveVariant maps one line item onto exactly one enabled variant of its
// product. A populated variant id is authoritative: it must name an enabled
// variant and never falls back to the size path. The legacy size/colour path
// fails on zero matches and on ambiguity.
func ResolveVariant(product domain.CatalogProduct, item domain.LineItem) (domain.VariantResolution, error) {
	if item.VariantID != 0 {
		for _, variant := range product.Variants {
			if variant.ID != item.VariantID {
				continue
			}
			if !variant.Enabled {
				return domain.VariantResolution{}, &VariantNotFoundError{
					ProductID: product.ID,
					VariantID: item.VariantID,
					Reason:    "variant is disabled",
				}
			}
			return domain.VariantResolution{
				VariantID:     variant.ID,
				UpstreamPrice: variant.PriceCent,
				MatchedBy:     domain.VariantMatchByID,
			}, nil
		}
		return domain.VariantResolution{}, &VariantNotFoundError{
			ProductID: product.ID,
			VariantID: item.VariantID,
			Reason:    "variant id not present on product",
		}
	}

	wantSize, ok := CanonicalSize(item.Size)
	if !ok {
		return domain.VariantResolution{}, &VariantNotFoundError{
			ProductID: product.ID,
			Size:      item.Size,
			Color:     item.Color,
			Reason:    "unrecognised size",
		}
	}

	var matches []domain.CatalogVariant
	for _, variant := range product.Variants {
		if !variant.Enabled {
			continue
		}
		size, color := variantAttributes(variant.Title)
		if size != wantSize {
			continue
		}
		if item.Color != "" && !strings.EqualFold(strings.TrimSpace(item.Color), color) {
			continue
		}
		matches = append(matches, variant)
	}

	switch len(matches) {
	case 1:
		return domain.VariantResolution{
			VariantID:     matches[0].ID,
			UpstreamPrice: matches[0].PriceCent,
			MatchedBy:     domain.VariantMatchBySize,
		}, nil
	case 0:
		return domain.VariantResolution{}, &VariantNotFoundError{
			ProductID: product.ID,
			Size:      item.Size,
			Color:     item.Color,
			Reason:    "no enabled variant matches",
		}
	default:
		return domain.VariantResolution{}, &VariantNotFoundError{
			ProductID: product.ID,
			Size:      item.Size,
			Color:     item.Color,
			Reason:    fmt.Sprintf("%d enabled variants match", len(matches)),
		}
	}
}
