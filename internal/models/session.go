package models

import (
	"slices"
	"time"
)

// User is the profile derived from a successful login.
type User struct {
	ID       int64  `json:"userId"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Roles    []Role `json:"roles"`
}

// HasRole reports whether the user holds r.
func (u User) HasRole(r Role) bool {
	return slices.Contains(u.Roles, r)
}

// Session is a bearer credential plus the user it belongs to.
type Session struct {
	Token     string
	User      User
	LastLogin time.Time
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FullName     string `json:"fullName"`
	DepartmentID *int64 `json:"departmentId,omitempty"`
	Roles        []Role `json:"roles"`
}

// AuthResponse is returned by both login and register.
type AuthResponse struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Roles    []Role `json:"roles"`
}

// Session converts the response into a session stamped at now.
func (r AuthResponse) Session(now time.Time) *Session {
	return &Session{
		Token: r.Token,
		User: User{
			ID:       r.UserID,
			FullName: r.FullName,
			Email:    r.Email,
			Roles:    r.Roles,
		},
		LastLogin: now,
	}
}
