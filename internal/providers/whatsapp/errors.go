package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed set of provider failure classes the dispatch logic branches on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindRecipient
	KindRateLimited
	KindTooManyRequests
	KindInvalidCredential
	KindPhoneNotOwned
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindTransient:         "transient",
	KindRecipient:         "recipient",
	KindRateLimited:       "rate_limited",
	KindTooManyRequests:   "too_many_requests",
	KindInvalidCredential: "invalid_credential",
	KindPhoneNotOwned:     "phone_not_owned",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Critical kinds abort the whole campaign instead of failing one recipient.
func (k ErrorKind) Critical() bool {
	switch k {
	case KindRateLimited, KindTooManyRequests, KindInvalidCredential, KindPhoneNotOwned:
		return true
	}
	return false
}

// Cloud API error codes.
const (
	codeAPITooManyCalls    = 4
	codeAccessTokenInvalid = 190
	codePhoneNumberAccess  = 33
	codeRateLimitIssues    = 80007
	codeRateLimitHit       = 130429
	codePairRateLimit      = 131056
	codeAccountNotReg      = 133010
	codeServiceUnavailable = 131016
	codeSomethingWrong     = 131000
)

// ClassifyCode maps an HTTP status and Cloud API error code to an ErrorKind.
func ClassifyCode(httpStatus, code int) ErrorKind {
	switch code {
	case codeAPITooManyCalls, codeRateLimitIssues, codeRateLimitHit:
		return KindRateLimited
	case codePairRateLimit:
		return KindTooManyRequests
	case codeAccessTokenInvalid:
		return KindInvalidCredential
	case codePhoneNumberAccess, codeAccountNotReg:
		return KindPhoneNotOwned
	case codeServiceUnavailable, codeSomethingWrong:
		return KindTransient
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return KindTooManyRequests
	case httpStatus == http.StatusUnauthorized:
		return KindInvalidCredential
	case httpStatus == http.StatusRequestTimeout || httpStatus >= 500:
		return KindTransient
	case httpStatus >= 400:
		return KindRecipient
	}
	return KindUnknown
}

// Classify returns the kind of any error produced by a send.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

type ProviderError struct {
	HTTPStatus int
	Code       int
	Subcode    int
	Message    string
	Details    string
	Kind       ErrorKind
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp: %s (code %d, http %d)", e.Message, e.Code, e.HTTPStatus)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("whatsapp: %s (http %d)", e.Message, e.HTTPStatus)
	}
	return "whatsapp: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }
