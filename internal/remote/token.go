package remote

import (
	"context"
	"os"
	"strings"

	apperrors "github.com/mwaldrop/reverie/internal/errors"
)

// StaticTokenProvider returns a fixed token. Useful in tests and for
// short-lived one-shot commands.
type StaticTokenProvider string

func (t StaticTokenProvider) GetValidAccessToken(ctx context.Context) (string, error) {
	if t == "" {
		return "", apperrors.New(apperrors.ErrSyncAuthExpired, "no access token configured")
	}
	return string(t), nil
}

// FileTokenProvider reads the current access token from a file the
// authentication collaborator keeps fresh. The file is re-read on every
// call so a rotated token takes effect without restarting the daemon.
type FileTokenProvider struct {
	Path string
}

func (p *FileTokenProvider) GetValidAccessToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncAuthExpired, "access token file unreadable", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", apperrors.New(apperrors.ErrSyncAuthExpired, "access token file is empty")
	}
	return token, nil
}
