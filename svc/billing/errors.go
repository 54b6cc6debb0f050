package billing

import "errors"

var (
	ErrQueryFailed  = errors.New("billing query failed")
	ErrClaimFailed  = errors.New("event log claim failed")
	ErrInvalidInput = errors.New("invalid request body")
)
