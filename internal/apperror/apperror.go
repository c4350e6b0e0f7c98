// Package apperror defines the error taxonomy shared by the onboarding,
// charge and webhook components and its mapping to HTTP responses.
package apperror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation            Kind = "validation"
	KindAuthorization         Kind = "authorization"
	KindNotFound              Kind = "not_found"
	KindAccountNotReady       Kind = "account_not_ready"
	KindExternalProcessor     Kind = "external_processor"
	KindSignatureVerification Kind = "signature_verification"
	KindReconciliationGap     Kind = "reconciliation_gap"
)

const (
	CodeAmountBelowMinimum = "amount_below_minimum"
	CodeCountryRequired    = "country_required"
	CodeCountryImmutable   = "country_immutable"
	CodeCardDeclined       = "card_declined"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += "/" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code when the target carries one, so
// errors.Is(err, ErrValidation) holds for every validation failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrAuthorization         = &Error{Kind: KindAuthorization}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAccountNotReady       = &Error{Kind: KindAccountNotReady}
	ErrExternalProcessor     = &Error{Kind: KindExternalProcessor}
	ErrSignatureVerification = &Error{Kind: KindSignatureVerification}
	ErrReconciliationGap     = &Error{Kind: KindReconciliationGap}
	ErrAmountBelowMinimum    = &Error{Kind: KindValidation, Code: CodeAmountBelowMinimum}
)

func Validation(code, format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func AccountNotReady(ownerID string) error {
	return &Error{Kind: KindAccountNotReady, Message: fmt.Sprintf("payout account of %s is not active", ownerID)}
}

func ExternalProcessor(code string, err error) error {
	return &Error{Kind: KindExternalProcessor, Code: code, Err: err}
}

func SignatureVerification(format string, args ...any) error {
	return &Error{Kind: KindSignatureVerification, Message: fmt.Sprintf(format, args...)}
}

func ReconciliationGap(ref string) error {
	return &Error{Kind: KindReconciliationGap, Message: fmt.Sprintf("no local record for %s", ref)}
}

func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindValidation, KindSignatureVerification:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAccountNotReady:
		return http.StatusConflict
	case KindExternalProcessor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the text shown to end users. It never includes processor
// error details.
func UserMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "Something went wrong, please try again later."
	}
	switch appErr.Kind {
	case KindValidation:
		switch appErr.Code {
		case CodeAmountBelowMinimum:
			return "The amount is below the minimum donation."
		case CodeCountryRequired:
			return "Please choose the country of your payout account."
		case CodeCountryImmutable:
			return "The country of an existing payout account cannot be changed."
		}
		if appErr.Message != "" {
			return appErr.Message
		}
		return "The request is invalid."
	case KindAuthorization:
		return "You are not allowed to do that."
	case KindNotFound:
		return "Not found."
	case KindAccountNotReady:
		return "This server is not accepting donations yet."
	case KindExternalProcessor:
		if appErr.Code == CodeCardDeclined {
			return "Your payment was declined."
		}
		return "The payment provider is unavailable, please try again."
	case KindSignatureVerification:
		return "Invalid signature."
	default:
		return "Something went wrong, please try again later."
	}
}
