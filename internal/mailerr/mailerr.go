// Package mailerr defines the error taxonomy of the synchronization core and
// maps errors to the single user-facing message shown in UI state.
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Token acquisition errors.
var (
	// ErrUIRequired means silent acquisition failed and only an interactive
	// flow can obtain a token.
	ErrUIRequired = errors.New("interactive sign-in required but no UI was provided")
	// ErrUserCancelled means the user dismissed an interactive flow.
	ErrUserCancelled = errors.New("user cancelled the operation")
	// ErrNotInitialized means the auth client has not finished loading.
	ErrNotInitialized = errors.New("authentication client not initialized")
)

// Remote and local-consistency errors.
var (
	ErrNoNetwork        = errors.New("no network connection")
	ErrAccountNotFound  = errors.New("account not found")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrNoTargetSelected = errors.New("no folder selected")
)

// Fixed user-facing messages.
const (
	MsgSessionExpired           = "Session expired. Please sign in again."
	MsgAuthCancelled            = "Authentication cancelled."
	MsgOperationCancelled       = "Operation cancelled."
	MsgAuthNotReady             = "Authentication system not ready."
	MsgAccountInvalid           = "Account not found or session invalid. Please sign in again."
	MsgNoNetwork                = "No internet connection. Please check your network."
	MsgTimeout                  = "The request timed out. Please try again."
	MsgNetwork                  = "A network error occurred. Please try again."
	MsgUnauthorized             = "Authentication failed. Please sign in again."
	MsgForbidden                = "Access denied. The account may lack mail permissions."
	MsgRateLimited              = "Too many requests. Please wait and try again."
	MsgNotFound                 = "The requested item was not found."
	MsgServerError              = "The mail service is temporarily unavailable. Please try again later."
	MsgUnknown                  = "An unknown error occurred."
	MsgAuthClient               = "An authentication error occurred. Please try again."
	MsgUnsupportedProvider      = "This account type is not configured."
	MsgAccountNotFoundRemoval   = "Account not found for removal."
	MsgTargetAccountNotFound    = "Target account not found."
	MsgAccountAdditionCancel    = "Account addition cancelled."
	MsgAccountRemovalCancel     = "Account removal cancelled."
	MsgAccountAddedFormat       = "Account added: %s"
	MsgAccountAddErrorFormat    = "Error adding account: %s"
	MsgAccountRemovedFormat     = "Account removed: %s"
	MsgAccountRemoveErrorFormat = "Error removing account: %s"
	msgAuthServiceFormat        = "Authentication service error: %s"
	msgRequestFailedFormat      = "The mail service could not complete the request (HTTP %d)."
)

// AuthKind distinguishes where an authentication failure originated.
type AuthKind int

const (
	// AuthService is a failure reported by the identity provider.
	AuthService AuthKind = iota
	// AuthClient is a failure of the local auth library or its cache.
	AuthClient
)

func (k AuthKind) String() string {
	switch k {
	case AuthService:
		return "service"
	case AuthClient:
		return "client"
	}
	panic("mailerr: unknown auth kind")
}

// Well-known client error codes.
const (
	CodeInvalidGrant = "invalid_grant"
	CodeNoAccount    = "no_account"
	CodeAccessDenied = "access_denied"
)

// AuthError is a categorized authentication failure.
type AuthError struct {
	Kind AuthKind
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth %s error: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("auth %s error: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HTTPError is a non-success response from a provider API.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *HTTPError) IsRetryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// Message maps err to the user-facing text for UI state. It returns ""
// for a nil error. Unclassified errors map to fixed text; callers log the
// underlying error.
func Message(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUIRequired):
		return MsgSessionExpired
	case errors.Is(err, ErrUserCancelled):
		return MsgAuthCancelled
	case errors.Is(err, context.Canceled):
		return MsgOperationCancelled
	case errors.Is(err, ErrNotInitialized):
		return MsgAuthNotReady
	case errors.Is(err, ErrNoNetwork):
		return MsgNoNetwork
	case errors.Is(err, ErrAccountNotFound):
		return MsgTargetAccountNotFound
	case errors.Is(err, ErrUnknownProvider):
		return MsgUnsupportedProvider
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authMessage(authErr)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpMessage(httpErr)
	}

	if msg, ok := networkMessage(err); ok {
		return msg
	}

	return MsgUnknown
}

func authMessage(e *AuthError) string {
	switch e.Kind {
	case AuthClient:
		switch e.Code {
		case CodeInvalidGrant, CodeNoAccount:
			return MsgAccountInvalid
		case CodeAccessDenied:
			return MsgAuthCancelled
		}
		return MsgAuthClient
	case AuthService:
		detail := e.Code
		if e.Err != nil {
			detail = e.Err.Error()
		}
		return fmt.Sprintf(msgAuthServiceFormat, detail)
	}
	panic("mailerr: unknown auth kind")
}

func httpMessage(e *HTTPError) string {
	switch {
	case e.Status == 401:
		return MsgUnauthorized
	case e.Status == 403:
		return MsgForbidden
	case e.Status == 404:
		return MsgNotFound
	case e.Status == 429:
		return MsgRateLimited
	case e.Status >= 500:
		return MsgServerError
	}
	return fmt.Sprintf(msgRequestFailedFormat, e.Status)
}

func networkMessage(err error) (string, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return MsgTimeout, true
		}
		return MsgNoNetwork, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return MsgNoNetwork, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MsgTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return MsgTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return MsgNoNetwork, true
		}
		return MsgNetwork, true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return MsgNetwork, true
	}
	return "", false
}

// AccountAdded formats the success message after adding an account.
func AccountAdded(username string) string {
	return fmt.Sprintf(MsgAccountAddedFormat, username)
}

// AccountAddFailed formats the message for a failed account addition.
func AccountAddFailed(err error) string {
	return fmt.Sprintf(MsgAccountAddErrorFormat, Message(err))
}

// AccountRemoved formats the success message after removing an account.
func AccountRemoved(username string) string {
	return fmt.Sprintf(MsgAccountRemovedFormat, username)
}

// AccountRemoveFailed formats the message for a failed account removal.
func AccountRemoveFailed(err error) string {
	return fmt.Sprintf(MsgAccountRemoveErrorFormat, Message(err))
}
