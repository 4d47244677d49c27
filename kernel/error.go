package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so that reporting one never requires the Go allocator,
// which may not be available yet when the error is raised (e.g. while the
// physical memory manager is being bootstrapped).
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

// Is reports whether target refers to the same module and message. It allows
// errors.Is to match kernel errors that were copied by value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}

	return e.Module == t.Module && e.Message == t.Message
}
