package rotation

// State is a step of the rotation state machine.
type State int

const (
	StateIdle State = iota
	StateTokenVerified
	StateBalanceChecked
	StateNewKeyGenerated
	StateOldKeyBackedUp
	StateFundsTransferred
	StateNewKeyPersisted
	StateHistoryRecorded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateTokenVerified:    "token_verified",
	StateBalanceChecked:   "balance_checked",
	StateNewKeyGenerated:  "new_key_generated",
	StateOldKeyBackedUp:   "old_key_backed_up",
	StateFundsTransferred: "funds_transferred",
	StateNewKeyPersisted:  "new_key_persisted",
	StateHistoryRecorded:  "history_recorded",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
