package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session/routing.
	ErrBusy         = "E_BUSY"
	ErrUnauthorized = "E_UNAUTHORIZED"
	ErrStale        = "E_STALE"

	// Capture rules.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrConfiguration = "E_CONFIGURATION"
	ErrOrphaned      = "E_ORPHANED"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBusy:            {},
	ErrUnauthorized:    {},
	ErrStale:           {},
	ErrBadRequest:      {},
	ErrConfiguration:   {},
	ErrOrphaned:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
