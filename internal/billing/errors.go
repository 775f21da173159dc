package billing

import "errors"

// Sentinel errors for ingest payload rejection. Callers use errors.Is
// against these to classify a failure without parsing strings.
var (
	// ErrMissingRequiredField means a required identity or cost field was
	// absent from the callback payload.
	ErrMissingRequiredField = errors.New("invalid_request")

	// ErrNonPositiveCost means responseCostUsd parsed but was <= 0; only
	// paid-model calls produce a receipt.
	ErrNonPositiveCost = errors.New("invalid_request")

	// ErrMalformedCost means responseCostUsd did not parse as a decimal.
	ErrMalformedCost = errors.New("invalid_request")
)
