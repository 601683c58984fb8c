package generation

import "fmt"

// ConfigError reports a generation failure that retrying cannot fix,
// such as missing credentials or an unknown endpoint.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("generation misconfigured: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
