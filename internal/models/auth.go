package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RegisterRequest creates a new account. Student fields are required only
// when role is STUDENT.
type RegisterRequest struct {
	Email      string   `json:"email" validate:"required,email"`
	Password   string   `json:"password" validate:"required,min=8"`
	FullName   string   `json:"full_name" validate:"required"`
	Role       UserRole `json:"role" validate:"required,oneof=STUDENT MENTOR HOD SECURITY ADMIN"`
	Phone      string   `json:"phone" validate:"omitempty,min=7,max=15"`
	Department string   `json:"department" validate:"required"`
	RegNo      string   `json:"reg_no" validate:"omitempty"`
	Year       int      `json:"year" validate:"omitempty,min=1,max=6"`
	Section    string   `json:"section" validate:"omitempty"`
	MentorID   string   `json:"mentor_id" validate:"omitempty,uuid"`
	IP         string   `json:"-"`
	UserAgent  string   `json:"-"`
}

// RefreshTokenRequest exchanges a refresh token for a new access token.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RefreshTokenResponse returns the refreshed tokens.
type RefreshTokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ChangePasswordRequest updates the caller's own password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	FullName   string   `json:"full_name"`
	Role       UserRole `json:"role"`
	Department string   `json:"department"`
	RegNo      *string  `json:"reg_no,omitempty"`
	MentorID   *string  `json:"mentor_id,omitempty"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID     string   `json:"user_id"`
	Role       UserRole `json:"role"`
	Email      string   `json:"email"`
	FullName   string   `json:"full_name"`
	Department string   `json:"department"`
	jwt.RegisteredClaims
}
