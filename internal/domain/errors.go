package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid parameters")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrProviderFailure   = errors.New("provider failure")
	ErrServiceTimeout    = errors.New("service timeout")
	ErrPermanentFailure  = errors.New("permanent failure")
	ErrUnsupportedEngine = errors.New("unsupported engine")
)
