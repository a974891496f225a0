package domain

type Role string

const (
	RoleStudent Role = "student"
	RoleOwner   Role = "owner"
)

// Identity is a caller identity already verified by the authentication layer.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsOwner() bool {
	return i.Role == RoleOwner
}

// CanAccess reports whether the identity may act on resources owned by userID.
func (i Identity) CanAccess(userID string) bool {
	return i.IsOwner() || (i.UserID != "" && i.UserID == userID)
}
