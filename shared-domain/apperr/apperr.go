// Package apperr tags errors as business or technical so callers can decide
// between recording an outcome and retrying.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	// KindTechnical errors are unexpected and retryable: version conflicts,
	// gateway timeouts, unavailable databases.
	KindTechnical Kind = iota
	// KindBusiness errors are expected outcomes that end the current attempt:
	// insufficient stock, card declined, invalid state transition.
	KindBusiness
)

func (k Kind) String() string {
	if k == KindBusiness {
		return "business"
	}
	return "technical"
}

const (
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeUnknownProduct         = "UNKNOWN_PRODUCT"
	CodeInvalidQuantity        = "INVALID_QUANTITY"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeNotFound               = "NOT_FOUND"
	CodeNotRefundable          = "NOT_REFUNDABLE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeGatewayError           = "GATEWAY_ERROR"
	CodeRefundFailed           = "REFUND_FAILED"
	CodeStorage                = "STORAGE_ERROR"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Business builds a business error. kv is a flat list of key/value pairs
// attached as structured context.
func Business(code, message string, kv ...interface{}) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: message, Context: toContext(kv)}
}

// Technical wraps err as a retryable technical error.
func Technical(code string, err error, kv ...interface{}) *Error {
	if err == nil {
		err = errors.New(strings.ToLower(code))
	}
	return &Error{Kind: KindTechnical, Code: code, Err: err, Context: toContext(kv)}
}

// KindOf reports the kind of err. Errors that carry no tag are technical.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTechnical
}

func IsBusiness(err error) bool {
	return err != nil && KindOf(err) == KindBusiness
}

func IsTechnical(err error) bool {
	return err != nil && KindOf(err) == KindTechnical
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ContextOf returns the structured context of the outermost tagged error.
func ContextOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

func toContext(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
