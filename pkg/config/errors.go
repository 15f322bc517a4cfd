package config

import "fmt"

// ConfigError reports invalid or missing configuration. It's always fatal: nothing runs after one.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

var _ error = (*ConfigError)(nil)

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Errorf builds a ConfigError for field
func Errorf(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
