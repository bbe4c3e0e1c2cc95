package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"secure-analysis-gateway/internal/models"
)

// ErrInvalidCredentials is returned for unknown users, disabled users and
// wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is compared against when the username is unknown so the
// response time does not reveal which accounts exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)

type fileUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Scopes       []string `yaml:"scopes"`
	Disabled     bool     `yaml:"disabled"`
}

type file struct {
	Users []fileUser `yaml:"users"`
}

// Store is a read-only set of identities provisioned out of band.
type Store struct {
	users map[string]models.Identity
}

// New builds a store from identities. Duplicate usernames are rejected.
func New(identities []models.Identity) (*Store, error) {
	users := make(map[string]models.Identity, len(identities))
	for _, id := range identities {
		if id.Username == "" {
			return nil, errors.New("identity with empty username")
		}
		if _, dup := users[id.Username]; dup {
			return nil, fmt.Errorf("duplicate identity %q", id.Username)
		}
		if _, err := bcrypt.Cost([]byte(id.PasswordHash)); err != nil {
			return nil, fmt.Errorf("identity %q: invalid password hash: %w", id.Username, err)
		}
		users[id.Username] = id
	}
	return &Store{users: users}, nil
}

// Load reads a YAML credentials file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML credentials.
func Parse(data []byte) (*Store, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	identities := make([]models.Identity, 0, len(f.Users))
	for _, u := range f.Users {
		scopes := make([]models.Scope, 0, len(u.Scopes))
		for _, raw := range u.Scopes {
			scope, ok := models.ParseScope(raw)
			if !ok {
				return nil, fmt.Errorf("identity %q: unknown scope %q", u.Username, raw)
			}
			scopes = append(scopes, scope)
		}
		identities = append(identities, models.Identity{
			Username:     strings.TrimSpace(u.Username),
			PasswordHash: u.PasswordHash,
			Scopes:       scopes,
			Disabled:     u.Disabled,
		})
	}
	return New(identities)
}

// Authenticate checks a username/password pair.
func (s *Store) Authenticate(username, password string) (models.Identity, error) {
	id, ok := s.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return models.Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(id.PasswordHash), []byte(password)); err != nil {
		return models.Identity{}, ErrInvalidCredentials
	}
	if id.Disabled {
		return models.Identity{}, ErrInvalidCredentials
	}
	return id, nil
}

// Len returns the number of provisioned identities.
func (s *Store) Len() int {
	return len(s.users)
}

// HashPassword produces a bcrypt hash suitable for the credentials file.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Entry renders one YAML users entry for the credentials file.
func Entry(username, hash string, scopes []models.Scope) ([]byte, error) {
	raw := make([]string, 0, len(scopes))
	for _, s := range scopes {
		raw = append(raw, string(s))
	}
	return yaml.Marshal(file{Users: []fileUser{{Username: username, PasswordHash: hash, Scopes: raw}}})
}
