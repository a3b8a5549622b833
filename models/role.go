package models

// Role identifies which side of a conversation acted.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Opposite returns the other party of a two-sided conversation.
func (r Role) Opposite() Role {
	if r == RoleAdmin {
		return RoleUser
	}
	return RoleAdmin
}
