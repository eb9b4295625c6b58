package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/yachtmes/offline/internal/engine/transport"
)

// fileTokenSource reads the bearer credential from a file the host
// application keeps current. Refresh re-reads and logs when the file still
// holds a stale token; the daemon cannot mint credentials itself.
type fileTokenSource struct {
	path string
}

func newFileTokenSource(path string) *fileTokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(ctx context.Context) (transport.Credential, error) {
	if err := ctx.Err(); err != nil {
		return transport.Credential{}, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return transport.Credential{}, fmt.Errorf("%w: read token file: %v", transport.ErrNoCredential, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return transport.Credential{}, transport.ErrNoCredential
	}
	return transport.Credential{
		Token:     token,
		ExpiresAt: transport.ParseExpiry(token),
	}, nil
}

func (s *fileTokenSource) Refresh(ctx context.Context) error {
	credential, err := s.Token(ctx)
	if err != nil {
		return err
	}
	if credential.Expired(nowUTC()) {
		log.Printf("token file %s still holds an expired credential", s.path)
	}
	return nil
}

var _ transport.TokenSource = (*fileTokenSource)(nil)
