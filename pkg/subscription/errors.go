package subscription

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

var (
	// ErrUnauthorized is returned when no user identity is available
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidPlan is returned for an unknown or inactive plan
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrAlreadyActive is returned when the user already has an active subscription
	ErrAlreadyActive = errors.New("user already has an active subscription")

	// ErrSamePlan is returned when upgrading to the plan the user is already on
	ErrSamePlan = errors.New("already on the requested plan")

	// ErrSubscriptionEnded is returned when a checkout callback arrives for a
	// record that has already been cancelled or has expired
	ErrSubscriptionEnded = errors.New("subscription is no longer active")

	// ErrNoSubscription is returned when the user has no live subscription
	ErrNoSubscription = errors.New("no active subscription found")

	// ErrNoTrial is returned when the user has no running trial
	ErrNoTrial = errors.New("no active trial found")

	// ErrInvalidSignature is returned when a checkout or webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrSubscriptionNotFound is returned by stores when a subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPaymentNotFound is returned by stores when a payment does not exist
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrStorageUnavailable is returned when the store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrGatewayUnavailable is returned when no gateway is configured
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindValidation
	KindConflict
	KindNotFound
	KindSignature
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindSignature:
		return "signature"
	case KindGateway:
		return "gateway"
	default:
		return "internal"
	}
}

// Error is the error type returned by Manager operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newErrorf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidPlan):
		return KindValidation
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrSamePlan),
		errors.Is(err, ErrSubscriptionEnded):
		return KindConflict
	case errors.Is(err, ErrNoSubscription), errors.Is(err, ErrNoTrial),
		errors.Is(err, ErrSubscriptionNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, billing.ErrInvalidWebhookSignature):
		return KindSignature
	}
	return KindInternal
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to send to clients. Internal errors are
// not passed through; gateway messages are.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if KindOf(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}
