package auth

import "time"

type Role string

const (
	RoleStaff   Role = "staff"
	RoleSenior  Role = "senior"
	RoleManager Role = "manager"
	RolePartner Role = "partner"
)

// Authority levels gate waiver issuance and sign-off. Higher is stronger.
const (
	AuthorityNone    = 0
	AuthorityStaff   = 1
	AuthoritySenior  = 2
	AuthorityManager = 3
	AuthorityPartner = 4
)

// AuthorityLevel maps a role to its numeric authority level.
func (r Role) AuthorityLevel() int {
	switch r {
	case RoleStaff:
		return AuthorityStaff
	case RoleSenior:
		return AuthoritySenior
	case RoleManager:
		return AuthorityManager
	case RolePartner:
		return AuthorityPartner
	default:
		return AuthorityNone
	}
}

// AuthorityLevelByName resolves a configured authority name ("manager") to its
// level. Used when parsing firm-custom policy configuration.
func AuthorityLevelByName(name string) (int, bool) {
	level := Role(name).AuthorityLevel()
	return level, level != AuthorityNone
}

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
