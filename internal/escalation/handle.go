package escalation

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultHandleBase is used when no handle base URL is configured.
const DefaultHandleBase = "foundry://escalations"

// ErrInvalidHandle is returned for handles that do not parse or do not match.
var ErrInvalidHandle = errors.New("invalid resumable handle")

// NewHandle creates a resumable handle for snapshotID under base:
// <base>/<snapshot-id>?token=<random>.
func NewHandle(base, snapshotID string) (string, error) {
	if base == "" {
		base = DefaultHandleBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse handle base: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("handle base %q has no scheme", base)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate handle token: %w", err)
	}

	u.Path = "/" + strings.TrimPrefix(path.Join(u.Path, snapshotID), "/")
	u.RawQuery = url.Values{"token": {hex.EncodeToString(buf)}}.Encode()
	return u.String(), nil
}

// ParseHandle extracts the snapshot id and token from a handle.
func ParseHandle(handle string) (snapshotID, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(handle))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	snapshotID = path.Base(u.Path)
	token = u.Query().Get("token")
	if snapshotID == "" || snapshotID == "/" || snapshotID == "." || token == "" {
		return "", "", ErrInvalidHandle
	}
	return snapshotID, token, nil
}

// handleMatches reports whether presented refers to the same snapshot and
// carries the same token as stored.
func handleMatches(stored, presented string) bool {
	sid, stok, err := ParseHandle(stored)
	if err != nil {
		return false
	}
	pid, ptok, err := ParseHandle(presented)
	if err != nil {
		return false
	}
	return sid == pid && subtle.ConstantTimeCompare([]byte(stok), []byte(ptok)) == 1
}
