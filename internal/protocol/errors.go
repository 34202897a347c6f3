package protocol

// Reason codes carried by Disconnect and PeerLeft.
const (
	ErrGeneral         = "E_GENERAL"
	ErrDesync          = "E_DESYNC"
	ErrConnectionLost  = "E_CONNECTION_LOST"
	ErrIllegalPacket   = "E_ILLEGAL_PACKET"
	ErrNotAuthorized   = "E_NOT_AUTHORIZED"
	ErrNotExpected     = "E_NOT_EXPECTED"
	ErrWrongRevision   = "E_WRONG_REVISION"
	ErrNameInUse       = "E_NAME_IN_USE"
	ErrWrongPassword   = "E_WRONG_PASSWORD"
	ErrCompanyMismatch = "E_COMPANY_MISMATCH"
	ErrKicked          = "E_KICKED"
	ErrFull            = "E_FULL"
	ErrTooManyCommands = "E_TOO_MANY_COMMANDS"
	ErrTimeoutPassword = "E_TIMEOUT_PASSWORD"
	ErrTimeoutComputer = "E_TIMEOUT_COMPUTER"
	ErrTimeoutMap      = "E_TIMEOUT_MAP"
	ErrTimeoutJoin     = "E_TIMEOUT_JOIN"
	ErrQuit            = "E_QUIT"
	ErrShutdown        = "E_SHUTDOWN"
	ErrRateLimit       = "E_RATE_LIMIT"
)

var knownCodes = map[string]struct{}{
	ErrGeneral:         {},
	ErrDesync:          {},
	ErrConnectionLost:  {},
	ErrIllegalPacket:   {},
	ErrNotAuthorized:   {},
	ErrNotExpected:     {},
	ErrWrongRevision:   {},
	ErrNameInUse:       {},
	ErrWrongPassword:   {},
	ErrCompanyMismatch: {},
	ErrKicked:          {},
	ErrFull:            {},
	ErrTooManyCommands: {},
	ErrTimeoutPassword: {},
	ErrTimeoutComputer: {},
	ErrTimeoutMap:      {},
	ErrTimeoutJoin:     {},
	ErrQuit:            {},
	ErrShutdown:        {},
	ErrRateLimit:       {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// IsTimeout reports whether code closed a session for being too slow.
func IsTimeout(code string) bool {
	switch code {
	case ErrTimeoutPassword, ErrTimeoutComputer, ErrTimeoutMap, ErrTimeoutJoin:
		return true
	}
	return false
}
