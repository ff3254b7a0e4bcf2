package metrics

import (
	"regexp"

	"codeberg.org/mutker/pvctl/internal/errors"
)

const defaultNamespace = "pvctl"

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	Namespace string
	Enabled   bool
}

func DefaultConfig() Config {
	return Config{
		Namespace: defaultNamespace,
		Enabled:   true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the namespace if metrics are enabled
	if c.Enabled && !namespacePattern.MatchString(c.Namespace) {
		return errFactory.WithData(ErrInvalidNamespace, c.Namespace)
	}
	return nil
}
