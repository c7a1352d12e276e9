package synth

import "errors"

var (
	// ErrInvalidParameter flags a request the engine must never see:
	// empty or oversized text, or an out-of-range numeric parameter
	// under the reject policy.
	ErrInvalidParameter = errors.New("invalid synthesis parameter")

	// ErrUnsupportedVoice flags a voice identifier the engine does not know.
	ErrUnsupportedVoice = errors.New("unsupported voice")

	// ErrTimeout is returned when a synthesis call exceeds its deadline.
	// The engine handle is reinitialized since its state is unknown.
	ErrTimeout = errors.New("synthesis timed out")

	// ErrEngineFault is returned after the single automatic
	// reinitialize-and-retry has also failed.
	ErrEngineFault = errors.New("synthesis engine fault")
)
