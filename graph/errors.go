package graph

import "github.com/pkg/errors"

var (
	// ErrStructural is returned when a graph invariant is found broken, e.g. an edge expected
	// after a splice is missing. Compilation cannot continue.
	ErrStructural = errors.New("structural graph violation")

	// ErrUnsupportedPattern is returned when a rewrite pattern matched but cannot be applied
	// unambiguously, e.g. two back-to-back reorders that both carry quantization scales.
	ErrUnsupportedPattern = errors.New("unsupported pattern")

	// ErrNoDescriptor is returned when a node has no implementation descriptor for the
	// requested configuration.
	ErrNoDescriptor = errors.New("no implementation descriptor")
)

// structuralf wraps ErrStructural with a formatted message.
func structuralf(format string, args ...any) error {
	return errors.WithMessagef(ErrStructural, format, args...)
}
