package authmanager

import "errors"

var (
	// ErrNotAuthenticated means no backend holds a credential for the account.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshFailed means the upstream refused to refresh the stored credential.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// State is the manager's view of the account's authentication.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "uninitialized"
	}
}

// MarshalText renders the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Refresh outcomes, used as metric labels.
const (
	outcomeAdopted          = "adopted"
	outcomeRefreshed        = "refreshed"
	outcomeNotAuthenticated = "not_authenticated"
	outcomeRejected         = "rejected"
	outcomeTransient        = "transient"
	outcomePersistFailed    = "persist_failed"
	outcomeError            = "error"
)
