package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FetchResult is what the fetch collaborator extracts from a product page.
type FetchResult struct {
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Available bool            `json:"available"`
	RawStatus int             `json:"raw_status"`
	FetchedAt time.Time       `json:"fetched_at"`
	Source    Source          `json:"source"`
}

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind string

const (
	FetchTransient FetchErrorKind = "transient"
	FetchBlocked   FetchErrorKind = "blocked"
	FetchNotFound  FetchErrorKind = "not_found"
)

// FetchError is returned by fetch collaborators. Errors that are not a
// FetchError are treated as transient.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchErrorKindOf reports the kind of err, defaulting to FetchTransient.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FetchTransient
}
