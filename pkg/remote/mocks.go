package remote

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockFetcher is a testify mock for the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

// FetchUserSnapshot returns the mocked snapshot.
func (m *MockFetcher) FetchUserSnapshot(ctx context.Context) (*Snapshot, error) {
	args := m.Called(ctx)
	if snap := args.Get(0); snap != nil {
		return snap.(*Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// StaticTokenSource returns a fixed token and ignores invalidation.
type StaticTokenSource struct {
	Value string
}

// Token returns the fixed token.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.Value == "" {
		return "", ErrCannotObtainToken
	}
	return s.Value, nil
}

// InvalidateToken does nothing.
func (s *StaticTokenSource) InvalidateToken(token string) {}

// Logout does nothing.
func (s *StaticTokenSource) Logout(ctx context.Context) error { return nil }
