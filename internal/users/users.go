// Package users resolves user accounts for the notification API: username to
// ID lookups for targeted messages and credential checks for login.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/gonotify/internal/auth"
)

var (
	// ErrNotFound is returned when no user matches a lookup.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned by Login for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// User is a stored account. PasswordHash is a bcrypt hash.
type User struct {
	ID           string
	Name         string
	Username     string
	Email        string
	Role         string
	PasswordHash string
}

// Identity returns the token identity for u.
func (u User) Identity() auth.Identity {
	return auth.Identity{UserID: u.ID, Email: u.Email, Username: u.Username, Role: u.Role}
}

// Directory looks users up by username or email.
type Directory interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
}

// Login checks email and password against dir.
func Login(ctx context.Context, dir Directory, email, password string) (User, error) {
	u, err := dir.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("login lookup: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword returns a bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// MemoryDirectory keeps users in process memory. It backs tests and
// deployments without MongoDB.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byName  map[string]User
	byEmail map[string]User
}

// NewMemoryDirectory returns a directory seeded with users.
func NewMemoryDirectory(seed ...User) *MemoryDirectory {
	d := &MemoryDirectory{
		byName:  make(map[string]User),
		byEmail: make(map[string]User),
	}
	for _, u := range seed {
		d.Add(u)
	}
	return d
}

var _ Directory = (*MemoryDirectory)(nil)

// Add inserts or replaces u.
func (d *MemoryDirectory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.Username != "" {
		d.byName[u.Username] = u
	}
	if u.Email != "" {
		d.byEmail[strings.ToLower(u.Email)] = u
	}
}

func (d *MemoryDirectory) FindByUsername(_ context.Context, username string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
