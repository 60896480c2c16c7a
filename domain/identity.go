package domain

// Identity is the session of the user viewing a board. Ready is false while
// the session or workspace is being resolved or switched.
type Identity struct {
	Ready   bool
	UserID  string
	ScopeID string
	Token   string
}

// Complete reports whether the identity can be used to subscribe.
func (i Identity) Complete() bool {
	return i.Ready && i.UserID != "" && i.ScopeID != ""
}
