package drive

// RotationLockState is the heading-hold mode of the drivetrain.
type RotationLockState int

const (
	// RotationLockOff leaves the angular velocity to the caller.
	RotationLockOff RotationLockState = iota
	// RotationLockActive replaces the angular velocity with the heading loop output.
	RotationLockActive
)

func (s RotationLockState) String() string {
	switch s {
	case RotationLockActive:
		return "active"
	default:
		return "off"
	}
}

// rotationLock records the target of an active lock.
type rotationLock struct {
	state  RotationLockState
	target float64
}

// activate reports whether this call moved the lock from off to active.
func (l *rotationLock) activate(target float64) bool {
	wasOff := l.state == RotationLockOff
	l.state = RotationLockActive
	l.target = target
	return wasOff
}

func (l *rotationLock) clear() {
	l.state = RotationLockOff
}
