package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrUnauthorized is returned when a request's credentials do not match its namespace.
var ErrUnauthorized = errors.New("unauthorized")

// NamespaceAuth checks basic auth credentials against bcrypt hashes of
// namespace passwords. The basic auth user is the namespace name.
type NamespaceAuth struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewNamespaceAuth creates an empty namespace table.
func NewNamespaceAuth() *NamespaceAuth {
	return &NamespaceAuth{hashes: make(map[string]string)}
}

// LoadNamespaceAuth reads a namespace table mapping names to bcrypt hashes.
// The file is JSON or YAML.
func LoadNamespaceAuth(path string) (*NamespaceAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading namespaces: %w", err)
	}

	hashes := make(map[string]string)
	if err := yaml.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("parsing namespaces: %w", err)
	}
	return &NamespaceAuth{hashes: hashes}, nil
}

// Save writes the namespace table as JSON.
func (a *NamespaceAuth) Save(path string) error {
	a.mu.RLock()
	data, err := json.MarshalIndent(a.hashes, "", "  ")
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// AddNamespace sets the password of a namespace.
func (a *NamespaceAuth) AddNamespace(namespace, password string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[namespace] = string(hash)
	return nil
}

// Namespaces returns the configured namespace names.
func (a *NamespaceAuth) Namespaces() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.hashes))
	for name := range a.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify reports whether password is the namespace's password.
func (a *NamespaceAuth) Verify(namespace, password string) bool {
	a.mu.RLock()
	hash, ok := a.hashes[namespace]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate checks the request's basic auth credentials against namespace.
func (a *NamespaceAuth) Authenticate(r *http.Request, namespace string) error {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}
	if user != namespace || !a.Verify(namespace, pass) {
		return fmt.Errorf("%w: invalid credentials for namespace %q", ErrUnauthorized, namespace)
	}
	return nil
}
