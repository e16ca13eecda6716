package config

import "fmt"

// ConfigurationError records a setting that was rejected and replaced by its
// default. It is never fatal.
type ConfigurationError struct {
	Key     string
	Value   string
	Default string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s=%q: %s (using %q)", e.Key, e.Value, e.Reason, e.Default)
}
