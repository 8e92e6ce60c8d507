package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
}

var (
	// ErrUsernameTaken is returned by CreateUser for an existing username.
	ErrUsernameTaken = errors.New("username taken")
	// ErrBadCredentials is returned by Authenticate for unknown users and wrong passwords.
	ErrBadCredentials = errors.New("invalid username or password")
)

// CreateUser registers a user with a bcrypt-hashed password.
func (db *DB) CreateUser(username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{ID: uuid.NewString(), Username: username, PasswordHash: hash}
	res, err := db.Exec(`
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		u.ID, u.Username, u.PasswordHash, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUsernameTaken
	}
	return u, nil
}

// GetUserByName returns a user by username, or nil if none exists.
func (db *DB) GetUserByName(username string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, username, password_hash FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate checks a username and password.
func (db *DB) Authenticate(username, password string) (*User, error) {
	u, err := db.GetUserByName(username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return u, nil
}
