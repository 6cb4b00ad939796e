package upstream

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// tokenFile mirrors the JSON written by the login helper.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresOn    int64  `json:"expires_on"`
}

// FileTokenSource reads a bearer credential from a JSON file on every call, so
// a token refreshed by another process is picked up without a restart.
// Refreshing the credential is not its job: a missing or expired token
// yields ErrAuthExpired.
type FileTokenSource struct {
	Path string
	Now  func() time.Time
}

// Token implements oauth2.TokenSource.
func (f FileTokenSource) Token() (*oauth2.Token, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrAuthExpired, "read token file: %v", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, errors.Wrapf(ErrAuthExpired, "parse token file: %v", err)
	}
	if tf.AccessToken == "" {
		return nil, errors.Wrap(ErrAuthExpired, "token file has no access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
		TokenType:    tf.TokenType,
	}
	if tf.ExpiresOn > 0 {
		tok.Expiry = time.Unix(tf.ExpiresOn, 0)
		now := time.Now
		if f.Now != nil {
			now = f.Now
		}
		if !now().Before(tok.Expiry) {
			return nil, errors.Wrapf(ErrAuthExpired, "token expired at %s", tok.Expiry.UTC().Format(time.RFC3339))
		}
	}
	return tok, nil
}

// NewFileTokenSource caches the file's token until shortly before it expires.
func NewFileTokenSource(path string) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, FileTokenSource{Path: path}, time.Minute)
}
