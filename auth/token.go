// Package auth supplies bearer credentials to the transport and the history
// client.
package auth

import (
	"context"
	"os"
	"strings"
	"sync"
)

// TokenProvider returns the current credential, or false when the user is
// not authenticated.
type TokenProvider interface {
	Token(ctx context.Context) (string, bool)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, bool)

func (f TokenFunc) Token(ctx context.Context) (string, bool) {
	return f(ctx)
}

// Static holds a token in memory. The zero value is unauthenticated.
type Static struct {
	mu    sync.RWMutex
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

func (s *Static) Token(context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token, s.token != ""
}

// Set replaces the token. An empty value logs the user out.
func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Clear forgets the token.
func (s *Static) Clear() {
	s.Set("")
}

// Env reads the token from an environment variable on every call.
type Env struct {
	Name string
}

func (e Env) Token(context.Context) (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.Name))

	return v, v != ""
}

// File reads the token from a file on every call so rotated credentials are
// picked up. A missing or empty file is unauthenticated.
type File struct {
	Path string
}

func (f File) Token(context.Context) (string, bool) {
	if f.Path == "" {
		return "", false
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false
	}

	v := strings.TrimSpace(string(data))

	return v, v != ""
}

// Chain returns the first provider that has a token.
func Chain(providers ...TokenProvider) TokenProvider {
	return TokenFunc(func(ctx context.Context) (string, bool) {
		for _, p := range providers {
			if p == nil {
				continue
			}

			if tok, ok := p.Token(ctx); ok {
				return tok, true
			}
		}

		return "", false
	})
}
