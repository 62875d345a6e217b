package finalize

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zeebo/blake3"
)

var (
	ErrInvalidKey       = errors.New("finalize: invalid object key")
	ErrObjectNotFound   = errors.New("finalize: object not found")
	ErrInvalidSignature = errors.New("finalize: invalid or expired signature")
)

// ObjectStore keeps finalized documents under stable keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (digest string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// FSStore is a filesystem ObjectStore that also issues signed download URLs.
// URLs are HS256 tokens bound to one key with an expiry.
type FSStore struct {
	root    string
	baseURL string
	urlKey  []byte
	now     func() time.Time
}

type urlClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

func NewFSStore(root, baseURL string, urlKey []byte) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("finalize: storage root is required")
	}
	if len(urlKey) == 0 {
		return nil, fmt.Errorf("finalize: url signing key is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("finalize: create storage root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		urlKey:  urlKey,
		now:     time.Now,
	}, nil
}

func (s *FSStore) WithClock(now func() time.Time) *FSStore {
	s.now = now
	return s
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes data atomically and returns its BLAKE3 digest. Writing the same
// key again replaces the object.
func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("finalize: create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return "", fmt.Errorf("finalize: create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("finalize: write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("finalize: sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("finalize: close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("finalize: store object: %w", err)
	}
	return Digest(data), nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("finalize: read object: %w", err)
	}
	return data, nil
}

// SignedURL implements soa.ArtifactLinker.
func (s *FSStore) SignedURL(key string, ttl time.Duration) (string, time.Time, error) {
	if _, err := s.path(key); err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	expires := now.Add(ttl)
	sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, urlClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(s.urlKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("finalize: sign url: %w", err)
	}
	return s.baseURL + "/files/" + key + "?sig=" + url.QueryEscape(sig), expires, nil
}

// Verify checks that sig was issued for key and has not expired.
func (s *FSStore) Verify(key, sig string) error {
	var claims urlClaims
	token, err := jwt.ParseWithClaims(sig, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.urlKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid || claims.Key != key {
		return ErrInvalidSignature
	}
	return nil
}

// Digest is the hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
