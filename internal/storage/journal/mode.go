package journal

import "sync/atomic"

// OperatingMode is the journal-wide operating mode of a server.
type OperatingMode int32

const (
	ModeNormal OperatingMode = iota
	ModeReadOnly
)

func (m OperatingMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeReadOnly:
		return "read-only"
	}
	return "unknown"
}

// ModeSwitch holds the operating mode shared by every journaling component of
// one server. Once a crucial journal copy can no longer be guaranteed the mode
// becomes read-only and further mutations are refused.
type ModeSwitch struct {
	mode     atomic.Int32
	onChange func(OperatingMode)
}

// NewModeSwitch returns a switch in ModeNormal. onChange, if not nil, is called
// after every change of mode.
func NewModeSwitch(onChange func(OperatingMode)) *ModeSwitch {
	return &ModeSwitch{onChange: onChange}
}

func (s *ModeSwitch) Mode() OperatingMode {
	return OperatingMode(s.mode.Load())
}

func (s *ModeSwitch) ReadOnly() bool {
	return s.Mode() == ModeReadOnly
}

// Set changes the mode and reports whether it changed. Callers log the change
// themselves.
func (s *ModeSwitch) Set(m OperatingMode) bool {
	old := OperatingMode(s.mode.Swap(int32(m)))
	if old == m {
		return false
	}
	if s.onChange != nil {
		s.onChange(m)
	}
	return true
}
