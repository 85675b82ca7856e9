package runtime

import (
	"fmt"
)

// Runtime describes how to launch an interpreter on a submission file.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Command returns the argv that runs the file at codePath.
	Command(codePath string) []string

	// FileExtension returns the extension for submission files (e.g., ".py").
	FileExtension() string

	// Env returns interpreter settings added to the sandbox's minimal environment.
	Env() []string
}

// Lookup returns the runtime for name. interpreter overrides the binary the
// runtime executes; empty keeps the default.
func Lookup(name, interpreter string) (Runtime, error) {
	switch name {
	case "", "python":
		return NewPython(interpreter), nil
	default:
		return nil, fmt.Errorf("unsupported runtime: %q (supported: python)", name)
	}
}
