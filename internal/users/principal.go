package users

// Principal adapts a User to the token issuer's principal contract.
type Principal struct {
	user User
}

// NewPrincipal wraps the resolved user.
func NewPrincipal(user *User) Principal {
	if user == nil {
		return Principal{}
	}
	return Principal{user: *user}
}

func (p Principal) Subject() string {
	return p.user.Username
}

func (p Principal) UserID() string {
	return p.user.ID
}

func (p Principal) Email() string {
	return p.user.Email
}

func (p Principal) DisplayName() string {
	return p.user.Name
}

func (p Principal) Roles() []string {
	roles := p.user.RoleSet()
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return names
}
