package vm86

import "errors"

var (
	// ErrInitializationFailure means no rendezvous marker was found. The
	// monitor cannot run without one.
	ErrInitializationFailure = errors.New("vm86: rendezvous trampoline not found")

	// ErrEmulationUnsupported is returned for a trapped instruction outside
	// the emulated set.
	ErrEmulationUnsupported = errors.New("vm86: instruction not emulated")

	// ErrLeaseExhausted means no stack page was left for a nested call.
	ErrLeaseExhausted = errors.New("vm86: no stack page for nested call")

	// ErrNestingTooDeep means an invocation would exceed Config.MaxDepth.
	ErrNestingTooDeep = errors.New("vm86: invocations nested too deep")

	errNotInitialized = errors.New("vm86: monitor not initialized")
)
