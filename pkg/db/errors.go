package db

import (
	stdErrors "errors"

	"gorm.io/gorm"

	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
)

// IsDuplicateKey reports whether err represents a uniqueness-constraint
// failure, regardless of driver. GORM translates these when TranslateError is
// enabled; the raw Postgres codes cover paths that bypass translation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return pkgerrors.IsUniqueViolation(err)
}
