package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("invalid admin id or password")

// AdminAccounts holds admin console logins as id -> bcrypt hash.
type AdminAccounts map[string][]byte

// ParseAdminAccounts reads "id:hash,id:hash". Hashes contain '$' but never ':'.
func ParseAdminAccounts(raw string) (AdminAccounts, error) {
	accounts := AdminAccounts{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, ":")
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("malformed admin account entry %q", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("admin %s: %w", id, err)
		}
		accounts[id] = []byte(hash)
	}
	return accounts, nil
}

func (a AdminAccounts) Authenticate(id, password string) (Identity, error) {
	hash, ok := a[id]
	if !ok {
		return Identity{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Identity{}, ErrBadCredentials
	}
	return Identity{Subject: id, IsAdmin: true, DisplayName: id}, nil
}
