package services

import (
	"errors"
	"fmt"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrCheckoutFailed is matched by every CheckoutError.
	ErrCheckoutFailed = errors.New("checkout: payment session could not be created")
	// ErrSignature is matched by every SignatureError.
	ErrSignature = errors.New("webhook: signature rejected")
	// ErrRoutingUnavailable is matched by every RoutingUnavailableError.
	ErrRoutingUnavailable = errors.New("fulfillment: routing snapshot unavailable")
	// ErrUnroutable is matched by every UnroutableSkuError.
	ErrUnroutable = errors.New("fulfillment: sku is not routable")
	// ErrBundleNesting is matched by every BundleNestingError.
	ErrBundleNesting = errors.New("fulfillment: nested bundle")
	// ErrProviderAdapter is matched by every ProviderAdapterError.
	ErrProviderAdapter = errors.New("fulfillment: provider adapter failed")

	// ErrFulfillmentInFlight indicates another delivery currently holds the session.
	ErrFulfillmentInFlight = errors.New("fulfillment: session is being processed")
	// ErrLedgerUnavailable indicates the idempotency ledger could not be reached.
	ErrLedgerUnavailable = errors.New("fulfillment: ledger unavailable")
	// ErrPaymentProviderUnavailable indicates the authoritative session could not be retrieved.
	ErrPaymentProviderUnavailable = errors.New("fulfillment: payment provider unavailable")
	// ErrSessionNotPaid indicates a replay was requested for an unsettled session.
	ErrSessionNotPaid = errors.New("fulfillment: session is not paid")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CheckoutError wraps a payment provider failure during session creation.
type CheckoutError struct {
	// Message is the provider's own message, suitable for returning to the storefront.
	Message string
	Err     error
}

func (e *CheckoutError) Error() string { return "checkout: " + e.Message }

func (e *CheckoutError) Unwrap() error { return e.Err }

func (e *CheckoutError) Is(target error) bool { return target == ErrCheckoutFailed }

// SignatureError reports a webhook that failed authenticity checks.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	if e.Err == nil {
		return ErrSignature.Error()
	}
	return "webhook: signature rejected: " + e.Err.Error()
}

func (e *SignatureError) Unwrap() error { return e.Err }

func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// RoutingUnavailableError reports a failed routing snapshot fetch. The whole event is retried.
type RoutingUnavailableError struct {
	Err error
}

func (e *RoutingUnavailableError) Error() string {
	if e.Err == nil {
		return ErrRoutingUnavailable.Error()
	}
	return "fulfillment: routing snapshot unavailable: " + e.Err.Error()
}

func (e *RoutingUnavailableError) Unwrap() error { return e.Err }

func (e *RoutingUnavailableError) Is(target error) bool { return target == ErrRoutingUnavailable }

// UnroutableSkuError reports an item that has no usable routing entry.
type UnroutableSkuError struct {
	SKU          string
	BundleParent string
	Reason       string
}

func (e *UnroutableSkuError) Error() string {
	if e.BundleParent != "" {
		return fmt.Sprintf("fulfillment: bundle %s member %q unroutable: %s", e.BundleParent, e.SKU, e.Reason)
	}
	return fmt.Sprintf("fulfillment: sku %q unroutable: %s", e.SKU, e.Reason)
}

func (e *UnroutableSkuError) Is(target error) bool { return target == ErrUnroutable }

// BundleNestingError reports a bundle whose member is itself a bundle.
type BundleNestingError struct {
	Bundle string
	Member string
}

func (e *BundleNestingError) Error() string {
	return fmt.Sprintf("fulfillment: bundle %s contains nested bundle %s", e.Bundle, e.Member)
}

func (e *BundleNestingError) Is(target error) bool { return target == ErrBundleNesting }

// ProviderAdapterError reports a per-item adapter failure.
type ProviderAdapterError struct {
	Provider domain.ProviderID
	SKU      string
	Err      error
}

func (e *ProviderAdapterError) Error() string {
	return fmt.Sprintf("fulfillment: %s failed for %s: %v", e.Provider, e.SKU, e.Err)
}

func (e *ProviderAdapterError) Unwrap() error { return e.Err }

func (e *ProviderAdapterError) Is(target error) bool { return target == ErrProviderAdapter }
