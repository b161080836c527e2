package user

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWeakPassword       = errors.New("password does not meet complexity requirements")
	ErrNotImplemented     = errors.New("method not implemented")
)

type User struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	Username    string     `json:"username" gorm:"size:150;uniqueIndex;not null"`
	Email       string     `json:"email" gorm:"size:255"`
	Password    string     `json:"-" gorm:"not null"`
	IsSuperuser bool       `json:"is_superuser" gorm:"not null;default:false"`
	IsActive    bool       `json:"is_active" gorm:"not null;default:true"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Organization struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	Name        string    `json:"name" gorm:"size:255;uniqueIndex;not null"`
	DisplayName string    `json:"display_name" gorm:"size:255"`
	CreatedAt   time.Time `json:"created_at"`
}

type OrganizationMember struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	OrganizationID string    `json:"organization_id" gorm:"size:64;uniqueIndex:idx_org_member;not null"`
	UserID         string    `json:"user_id" gorm:"size:36;uniqueIndex:idx_org_member;not null"`
	CreatedAt      time.Time `json:"created_at"`
}

// Organization roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Roles lists the assignable roles.
func Roles() []string {
	return []string{RoleAdmin, RoleUser}
}

func IsAdminRole(role string) bool {
	return strings.EqualFold(role, RoleAdmin)
}

func IsValidRole(role string) bool {
	for _, r := range Roles() {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func NewUser(username, email, password string) (*User, error) {
	u := &User{
		ID:       uuid.New().String(),
		Username: username,
		Email:    email,
		IsActive: true,
	}
	if err := u.SetPassword(password); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) == nil
}

func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hashedPassword)
	return nil
}

const minPasswordLength = 12

// ValidatePasswordComplexity requires at least 12 characters with an upper
// case letter, a lower case letter, a digit and a special character.
func ValidatePasswordComplexity(password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}
