package registry

import "time"

// Defaults substituted when a module cannot answer. They match the default
// configs of the bundled modules so an absent module behaves like a freshly
// deployed one.
const (
	// TimeLock: flat 24h within [1h, 7d]; a custom lock is accepted only inside those bounds.
	DefaultLockDuration     = 24 * time.Hour
	DefaultMinLockDuration  = time.Hour
	DefaultMaxLockDuration  = 7 * 24 * time.Hour
	DefaultDisputeExtension = 72 * time.Hour

	// Emergency: applied when the module is absent or refuses the activation
	// (cooldown, window exhausted). Extending a lock is never blocked.
	DefaultEmergencyExtension = 48 * time.Hour

	// Arbitration: fee charged when the module cannot quote one. When no case
	// can be opened the dispute id is generated locally and only the
	// administrator may resolve it.
	DefaultArbitrationFee int64 = 10

	// Reputation: writes are skipped, reads report the neutral score and
	// nobody counts as trustworthy.
	DefaultScore = 50
)
