// Package faults defines the error taxonomy shared by the provisioning
// pipeline, the provider clients and the HTTP layer. Handlers map these
// onto response codes instead of inspecting error strings.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// ConfigError means a required credential or setting is absent. It is
// never retried and must be raised before any network call is made.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Setting)
}

func NewConfigError(setting string) error {
	return &ConfigError{Setting: setting}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError means the caller supplied malformed input. 4xx, never
// retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamError wraps a failure reported by an external provider (compute
// or DNS). The whole provisioning attempt may be retried from pending.
type UpstreamError struct {
	Provider string
	Msg      string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError aggregates one or more provider error messages into a
// single error value.
func NewUpstreamError(provider string, messages ...string) error {
	return &UpstreamError{Provider: provider, Msg: strings.Join(messages, "; ")}
}

func WrapUpstream(provider, msg string, err error) error {
	return &UpstreamError{Provider: provider, Msg: msg, Err: err}
}

func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
