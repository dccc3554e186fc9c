package blobstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URLSigner issues and checks HMAC-signed read URLs for stores that have no
// native presigning, such as the local store served by a node supervisor.
type URLSigner struct {
	key     []byte
	base    string
	nowFunc func() time.Time
}

func NewURLSigner(secret, base string) (*URLSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("signing key must be at least 16 characters")
	}
	return &URLSigner{key: []byte(secret), base: strings.TrimRight(base, "/"), nowFunc: time.Now}, nil
}

// Sign returns base/<path>?exp=<unix>&sig=<mac>.
func (s *URLSigner) Sign(blobPath string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = time.Hour
	}
	blobPath = Clean(blobPath)
	exp := strconv.FormatInt(s.nowFunc().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("exp", exp)
	q.Set("sig", s.mac(blobPath, exp))
	return s.base + "/" + blobPath + "?" + q.Encode()
}

// Verify checks the exp and sig values carried with blobPath.
func (s *URLSigner) Verify(blobPath, exp, sig string) error {
	blobPath = Clean(blobPath)
	expected := s.mac(blobPath, exp)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return errors.New("invalid blob signature")
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return errors.New("invalid blob expiry")
	}
	if s.nowFunc().Unix() > unix {
		return errors.New("blob url expired")
	}
	return nil
}

func (s *URLSigner) mac(blobPath, exp string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(blobPath))
	h.Write([]byte("."))
	h.Write([]byte(exp))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
