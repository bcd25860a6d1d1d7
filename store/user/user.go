//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../../mocks/mock_user_store.go -package=mocks -mock_names=Store=MockUserStore
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account known to the directory. Messages only reference users by ID.
type User struct {
	ID           string     `json:"_id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    string     `json:"avatarUrl"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeen     *time.Time `json:"lastSeen"`
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already exists")
	ErrDuplicateID    = errors.New("user id already exists")
	ErrInvalidUser    = errors.New("invalid user")
)

// Store defines user directory operations.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListExcept(ctx context.Context, excludedID string) ([]User, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// HashPassword returns the bcrypt hash stored in User.PasswordHash.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func validate(u *User) error {
	if strings.ContainsRune(u.ID, ':') || u.Email == "" || u.DisplayName == "" {
		return ErrInvalidUser
	}
	return nil
}
