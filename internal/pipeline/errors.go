package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Error category constants classify pipeline failures.
const (
	ErrCategoryPermission    = "permission"
	ErrCategoryConfiguration = "configuration"
	ErrCategoryResource      = "resource"
	ErrCategoryTimeout       = "timeout"
	ErrCategoryNetwork       = "network"
	ErrCategoryNotFound      = "not_found"
	ErrCategoryConflict      = "conflict"
)

// PipelineError is a structured error carrying the failed resource, the
// failure category, and a remediation hint. Not-found and conflict categories
// are recoverable conditions the caller can branch on; the rest are fatal to
// the current run.
type PipelineError struct {
	// Category classifies the failure (e.g. "not_found", "timeout").
	Category string
	// Resource is the logical resource involved (e.g. "agent-core-tools").
	Resource string
	// Op is the operation that failed (e.g. "describe images").
	Op string
	// Message is the primary error description.
	Message string
	// Remediation is a human-readable hint on how to fix the issue.
	Remediation string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q failed", e.Op, e.Resource)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (cause: %v)", e.Cause)
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, " [hint: %s]", e.Remediation)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// notFoundError builds a recoverable not-found PipelineError. Used for the
// early-return conditions the reactor reports without side effects: an empty
// repository, a missing executor function.
func notFoundError(op, resource, message string) *PipelineError {
	return &PipelineError{
		Category: ErrCategoryNotFound,
		Resource: resource,
		Op:       op,
		Message:  message,
	}
}

// IsNotFoundError reports whether err is (or wraps) a not-found PipelineError.
func IsNotFoundError(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Category == ErrCategoryNotFound
}

// alreadyExistsCodes are the AWS error codes that signal "the resource is
// already there" during provisioning. They trigger adoption, not failure.
var alreadyExistsCodes = map[string]bool{
	"RepositoryAlreadyExistsException": true, // ECR
	"BucketAlreadyOwnedByYou":          true, // S3
	"BucketAlreadyExists":              true, // S3
	"EntityAlreadyExists":              true, // IAM
	"ResourceConflictException":        true, // Lambda
	"ResourceAlreadyExistsException":   true, // CodeBuild, CloudWatch Logs
	"ConflictException":                true,
}

// notFoundCodes are the AWS error codes that signal a missing resource.
var notFoundCodes = map[string]bool{
	"ResourceNotFoundException":   true, // Lambda, EventBridge, Bedrock
	"RepositoryNotFoundException": true, // ECR
	"NoSuchEntity":                true, // IAM
	"NoSuchKey":                   true, // S3
	"NoSuchBucket":                true, // S3
	"NotFoundException":           true,
}

// isAlreadyExists reports whether err is an AWS "already exists" condition.
func isAlreadyExists(err error) bool {
	return matchesCode(err, alreadyExistsCodes)
}

// isNotFound reports whether err is an AWS "not found" condition.
func isNotFound(err error) bool {
	return matchesCode(err, notFoundCodes)
}

// isPreconditionFailed reports whether err is the HTTP 412 returned by a
// conditional S3 put when the object already exists. Used by the digest
// claim lock.
func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "PreconditionFailed"
}

// isRolePropagationError reports whether err is the transient rejection a
// service returns while a freshly created IAM role has not yet propagated.
func isRolePropagationError(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	msg := strings.ToLower(ae.ErrorMessage())
	switch ae.ErrorCode() {
	case "InvalidParameterValueException": // Lambda
		return strings.Contains(msg, "cannot be assumed")
	case "InvalidInputException": // CodeBuild
		return strings.Contains(msg, "sts:assumerole")
	}
	return false
}

// matchesCode checks err against a set of AWS API error codes.
func matchesCode(err error, codes map[string]bool) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return codes[ae.ErrorCode()]
	}
	return false
}

// classifyError inspects an error and returns a category and remediation
// hint based on common patterns in AWS error messages.
func classifyError(err error) (category, remediation string) {
	if err == nil {
		return ErrCategoryResource, ""
	}
	if isNotFound(err) {
		return ErrCategoryNotFound, ""
	}
	if isAlreadyExists(err) {
		return ErrCategoryConflict, ""
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, permissionKeywords):
		return ErrCategoryPermission, hintCheckIAM
	case containsAny(lower, networkKeywords):
		return ErrCategoryNetwork, hintCheckNetwork
	case containsAny(lower, timeoutKeywords):
		return ErrCategoryTimeout, hintRetryOrTimeout
	case containsAny(lower, configKeywords):
		return ErrCategoryConfiguration, hintCheckConfig
	}
	return ErrCategoryResource, ""
}

// Keyword groups for error classification.
var (
	permissionKeywords = []string{
		"accessdenied", "access denied", "unauthorized",
		"not authorized", "forbidden",
	}
	networkKeywords = []string{
		"connection refused", "no such host",
		"dial tcp", "tls handshake",
	}
	timeoutKeywords = []string{
		"did not become ready", "deadline exceeded",
		"context canceled", "timed out",
	}
	configKeywords = []string{
		"validation", "invalid", "malformed", "does not match",
	}
)

// Remediation hint constants.
const (
	hintCheckIAM       = "verify the caller and execution roles have the required permissions"
	hintCheckNetwork   = "verify the AWS region is correct and network connectivity is available"
	hintRetryOrTimeout = "the resource may still be provisioning; retry after a short wait"
	hintCheckConfig    = "check the pipeline config values match AWS requirements"
)

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// newPipelineError creates a PipelineError with automatic classification.
func newPipelineError(op, resource string, cause error) *PipelineError {
	category, remediation := classifyError(cause)
	return &PipelineError{
		Category:    category,
		Resource:    resource,
		Op:          op,
		Message:     cause.Error(),
		Remediation: remediation,
		Cause:       cause,
	}
}
