package runtime

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeParams converts a rendered parameter map into a backend-specific
// struct. Weak typing is enabled so template output ("8080", "true") decodes
// into numeric and boolean fields.
func DecodeParams(params map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create params decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}
