package broker

import (
	"context"
	"errors"
	"os"
	"strings"

	"wata/internal/tradeerr"
)

// FileTokenProvider reads the access token from a file on every call. The
// token file is maintained by the external OAuth helper.
type FileTokenProvider struct {
	Path string
}

// Token implements TokenProvider.
func (p FileTokenProvider) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", &tradeerr.TokenAuthentication{DuringRefresh: true, Err: err}
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", &tradeerr.TokenAuthentication{DuringRefresh: true, Err: errors.New("token file is empty")}
	}
	return token, nil
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(_ context.Context) (string, error) {
	return string(s), nil
}
