package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrNoProfile = errors.New("profile not found")

// Profiles reads and writes the profiles and users tables. Profiles are only
// written by the identity federation on sign-in.
type Profiles struct {
	db  *sql.DB
	now func() time.Time
}

func NewProfiles(db *sql.DB) *Profiles { return &Profiles{db: db, now: time.Now} }

func (p *Profiles) Get(ctx context.Context, id string) (User, error) {
	u := User{ID: id}
	err := p.db.QueryRowContext(ctx,
		`SELECT p.full_name, p.avatar_url, p.email, COALESCE(u.role, '')
		 FROM profiles p LEFT JOIN users u ON u.id = p.id WHERE p.id=$1`, id).
		Scan(&u.FullName, &u.AvatarURL, &u.Email, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoProfile
	}
	return u, err
}

// FirstName is empty when the user has no profile.
func (p *Profiles) FirstName(ctx context.Context, id string) string {
	u, err := p.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNoProfile) {
			log.Printf("auth: profile %s: %v", id, err)
		}
		return ""
	}
	return u.FirstName()
}

// Upsert writes u's profile and reports whether it already existed.
func (p *Profiles) Upsert(ctx context.Context, u User) (existed bool, err error) {
	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE id=$1`, u.ID).Scan(&one)
	switch {
	case err == nil:
		existed = true
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO profiles (id, full_name, avatar_url, email, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET full_name=excluded.full_name, avatar_url=excluded.avatar_url,
			email=excluded.email, updated_at=excluded.updated_at`,
		u.ID, u.FullName, u.AvatarURL, u.Email, p.now().Unix())
	if err != nil {
		return existed, fmt.Errorf("upsert profile %s: %w", u.ID, err)
	}
	return existed, nil
}

// EnsureUser creates the users row on first sign-in and returns the stored
// id and role. An existing row with the same username keeps its id and role.
func (p *Profiles) EnsureUser(ctx context.Context, id, username, role string) (string, string, error) {
	var existingID, existingRole string
	err := p.db.QueryRowContext(ctx, `SELECT id, role FROM users WHERE username=$1`, username).
		Scan(&existingID, &existingRole)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := p.db.ExecContext(ctx, `INSERT INTO users (id, username, role, created_at) VALUES ($1,$2,$3,$4)`,
			id, username, role, p.now().Unix()); err != nil {
			return "", "", fmt.Errorf("insert user: %w", err)
		}
		return id, role, nil
	case err != nil:
		return "", "", err
	}
	if existingRole == "" {
		existingRole = role
	}
	return existingID, existingRole, nil
}
