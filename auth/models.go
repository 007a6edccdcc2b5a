package auth

import "time"

type Role string

const (
	RoleClient  Role = "client"
	RoleWorker  Role = "worker"
	RoleFinance Role = "finance"
	RoleAdmin   Role = "admin"
)

// IsAdmin reports whether the role carries administrative authority.
func (r Role) IsAdmin() bool { return r == RoleAdmin }

// IsStaff reports whether the role may run back-office operations
// (dispute management, invoice payment, SLA overrides).
func (r Role) IsStaff() bool { return r == RoleAdmin || r == RoleFinance }

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Rating       float64
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
