package activedirectory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory classifies directory errors so callers can branch on the
// broad failure mode without inspecting LDAP result codes.
type ErrorCategory string

const (
	ErrorCategoryConnection   ErrorCategory = "connection"
	ErrorCategoryBind         ErrorCategory = "bind"
	ErrorCategoryPermission   ErrorCategory = "permission"
	ErrorCategoryNotFound     ErrorCategory = "not_found"
	ErrorCategoryQuery        ErrorCategory = "query"
	ErrorCategoryCoercion     ErrorCategory = "coercion"
	ErrorCategoryNotWritable  ErrorCategory = "not_writable"
	ErrorCategoryNotContainer ErrorCategory = "not_container"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryServer       ErrorCategory = "server"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// DirectoryError is the root error kind for everything this package reports.
// Every failure, whether raised locally (bad criterion, read-only attribute)
// or propagated from the LDAP backend, is wrapped in one of these so callers
// can catch a single type and then narrow by Category.
type DirectoryError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code, when the backend produced one
	Message   string        // Human-readable message
	Attribute string        // Attribute involved (coercion and write errors)
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the backend may retry the operation
	Cause     error         // Underlying error
}

func (e *DirectoryError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("directory %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("directory %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Attribute != "" {
		parts = append(parts, fmt.Sprintf("attribute: %s", e.Attribute))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *DirectoryError) IsRetryable() bool {
	return e.Retryable
}

func (e *DirectoryError) Unwrap() error {
	return e.Cause
}

// NewDirectoryError wraps err with operation context, extracting the result
// code and category when err originated from the go-ldap backend.
func NewDirectoryError(operation string, err error) *DirectoryError {
	if err == nil {
		return nil
	}

	dirErr := &DirectoryError{
		Operation: operation,
		Cause:     err,
	}

	var ldapResultErr *ldap.Error
	if errors.As(err, &ldapResultErr) {
		dirErr.LDAPCode = ldapResultErr.ResultCode
		dirErr.Category = categorizeLDAPCode(ldapResultErr.ResultCode)
		dirErr.Retryable = isLDAPCodeRetryable(ldapResultErr.ResultCode)
		dirErr.Message = ldap.LDAPResultCodeMap[ldapResultErr.ResultCode]
		if dirErr.Message == "" {
			dirErr.Message = ldapResultErr.Err.Error()
		}
	} else {
		dirErr.Category = categorizeGenericError(err)
		dirErr.Retryable = isGenericErrorRetryable(err)
		dirErr.Message = err.Error()
	}

	return dirErr
}

// WrapError wraps an error with operation context, leaving already-wrapped
// errors intact apart from filling in a missing operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		if dirErr.Operation == "" {
			dirErr.Operation = operation
		}
		return dirErr
	}

	return NewDirectoryError(operation, err)
}

// newMalformedCriterionError reports a search criterion that failed
// validation before any query was sent.
func newMalformedCriterionError(attribute, reason string) *DirectoryError {
	return &DirectoryError{
		Operation: "build_query",
		Category:  ErrorCategoryQuery,
		Message:   reason,
		Attribute: attribute,
	}
}

// newBindError reports a failure to reach or authenticate with the backend.
func newBindError(message string, cause error) *DirectoryError {
	e := &DirectoryError{
		Operation: "bind",
		Category:  ErrorCategoryBind,
		Message:   message,
		Cause:     cause,
	}
	if cause != nil {
		var ldapResultErr *ldap.Error
		if errors.As(cause, &ldapResultErr) {
			e.LDAPCode = ldapResultErr.ResultCode
		}
	}
	return e
}

// newCoercionError reports a domain/wire conversion failure for an attribute.
func newCoercionError(attribute, reason string, cause error) *DirectoryError {
	return &DirectoryError{
		Operation: "coerce",
		Category:  ErrorCategoryCoercion,
		Message:   reason,
		Attribute: attribute,
		Cause:     cause,
	}
}

// newNotWritableError reports a write to an attribute the schema marks
// read-only. Raised before any backend round trip.
func newNotWritableError(attribute string) *DirectoryError {
	return &DirectoryError{
		Operation: "write",
		Category:  ErrorCategoryNotWritable,
		Message:   "attribute is read-only",
		Attribute: attribute,
	}
}

// newNotContainerError reports a traversal operation on a leaf object.
func newNotContainerError(dn string) *DirectoryError {
	return &DirectoryError{
		Operation: "children",
		Category:  ErrorCategoryNotContainer,
		Message:   "object is not a container",
		DN:        dn,
	}
}

func categorizeLDAPCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryBind

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultFilterError,
		ldap.LDAPResultInappropriateMatching:
		return ErrorCategoryQuery

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultObjectClassViolation:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "password") {
		return ErrorCategoryBind
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "access") ||
		strings.Contains(errStr, "denied") {
		return ErrorCategoryPermission
	}

	return ErrorCategoryUnknown
}

func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError:
		return true
	default:
		return false
	}
}

func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection",
		"timeout",
		"network",
		"broken pipe",
		"connection reset",
		"temporary failure",
		"server temporarily unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// GetErrorCategory returns the category of an error, categorizing raw
// go-ldap errors on the fly.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Category
	}

	var ldapResultErr *ldap.Error
	if errors.As(err, &ldapResultErr) {
		return categorizeLDAPCode(ldapResultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsRetryableError reports whether the backend may usefully retry the
// operation that produced err.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Retryable
	}

	var ldapResultErr *ldap.Error
	if errors.As(err, &ldapResultErr) {
		return isLDAPCodeRetryable(ldapResultErr.ResultCode)
	}

	return isGenericErrorRetryable(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsBindError checks if an error indicates an unreachable backend or
// rejected credentials.
func IsBindError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryBind
}

// IsMalformedCriterionError checks if an error was raised for an invalid
// search criterion.
func IsMalformedCriterionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryQuery
}

// IsCoercionError checks if an error was raised converting an attribute
// between wire and domain values.
func IsCoercionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryCoercion
}

// IsNotWritableError checks if an error was raised writing a read-only
// attribute.
func IsNotWritableError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotWritable
}

// IsNotContainerError checks if an error was raised traversing a leaf
// object.
func IsNotContainerError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotContainer
}

// IsPermissionError checks if an error indicates a permission problem.
func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}
