package jiffy

import "errors"

// Errors returned by the scheduler. None of them is ever reported to the
// owner of a timer: they surface only from configuration and hotplug calls,
// or from a Comparator implementation back to the engine.
var (
	// ErrPastDeadline is returned by Comparator.Program when the requested
	// deadline had already passed by the time the device was armed.
	ErrPastDeadline = errors.New("jiffy: deadline already passed")
	// ErrInvalidCore is returned for a cpu id outside [0, NumCores).
	ErrInvalidCore = errors.New("jiffy: invalid core")
	// ErrCoreOffline is returned when an operation targets an offline core.
	ErrCoreOffline = errors.New("jiffy: core is offline")
	// ErrCoreOnline is returned by CoreOnline for a core that is already up.
	ErrCoreOnline = errors.New("jiffy: core is already online")
	// ErrNoOnlineCore is returned when taking the last online core down.
	ErrNoOnlineCore = errors.New("jiffy: no other online core")
	// ErrNoComparator is returned by SwitchToHighRes on a core without a
	// comparator device.
	ErrNoComparator = errors.New("jiffy: core has no comparator")
	// ErrInvalidOption is wrapped by New for rejected options.
	ErrInvalidOption = errors.New("jiffy: invalid option")
)
