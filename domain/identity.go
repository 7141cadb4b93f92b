package domain

// Identity is the authenticated caller as decoded from its bearer token.
type Identity struct {
	ID       string
	Username string
}

// Ref converts the identity to a task user reference.
func (i Identity) Ref() UserRef {
	name := i.Username
	if name == "" {
		name = i.ID
	}
	return UserRef{ID: i.ID, Username: name}
}
