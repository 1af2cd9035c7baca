package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that point to an Error so that call sites can compare them
// by identity and the syscall layer can translate them into error codes
// without inspecting messages.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
