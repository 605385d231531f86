package auth

import "time"

// User represents an authenticated user account.
type User struct {
	ID               int64
	Email            string
	PasswordHash     string
	IsActive         bool
	DefaultCompanyID int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LoginInput carries credentials and the company the user wants to act in.
// A zero CompanyID selects the user's default company.
type LoginInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	CompanyID int64  `json:"company_id,omitempty" validate:"omitempty,gt=0"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// MFACode is handed to a CodeSender for delivery.
type MFACode struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Member is an active user belonging to a company.
type Member struct {
	UserID int64
	Email  string
}
