package enums

import "fmt"

// PricingCategory distinguishes how a plan charges.
type PricingCategory string

const (
	// PricingCategoryFlat charges a fixed recurring fee.
	PricingCategoryFlat PricingCategory = "flat"
	// PricingCategoryMetered charges per ingested event.
	PricingCategoryMetered PricingCategory = "metered"
)

var validPricingCategories = []PricingCategory{
	PricingCategoryFlat,
	PricingCategoryMetered,
}

// String implements fmt.Stringer.
func (c PricingCategory) String() string {
	return string(c)
}

// IsValid reports whether the value is known.
func (c PricingCategory) IsValid() bool {
	for _, candidate := range validPricingCategories {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParsePricingCategory converts raw input into a PricingCategory.
func ParsePricingCategory(value string) (PricingCategory, error) {
	for _, candidate := range validPricingCategories {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pricing category %q", value)
}
