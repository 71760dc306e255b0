package local

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"bikefit-backend/internal/shared/server/respond"
	"bikefit-backend/internal/shared/storage/object"
)

const (
	// RoutePrefix is where Handler is mounted; signed URLs point here.
	RoutePrefix   = "/api/v1/objects/"
	tokenAudience = "object-read"
	defaultTTL    = 15 * time.Minute
)

// Store implements object.Gateway using the local filesystem. Read URLs are
// served by Handler and carry a short-lived HS256 token bound to the key.
type Store struct {
	baseDir string
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// New creates a local store rooted at baseDir. When secret is empty a random
// per-process secret is used, so URLs do not survive a restart.
func New(baseDir, baseURL string, secret []byte, ttl time.Duration) *Store {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = []byte(fmt.Sprintf("local-%d", time.Now().UnixNano()))
		}
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put writes body to a temp file and hard-links it into place so the key is
// never overwritten and readers never observe a partial object.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Link(tmpPath, fullPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", object.ErrObjectExists, key)
		}
		return fmt.Errorf("link object: %w", err)
	}
	if contentType != "" {
		if err := os.WriteFile(typePath(fullPath), []byte(contentType), 0o644); err != nil {
			return fmt.Errorf("write content type: %w", err)
		}
	}
	return nil
}

// SignURL returns a read URL for an existing key, valid for the store TTL.
func (s *Store) SignURL(ctx context.Context, key string) (string, error) {
	if _, err := s.Stat(ctx, key); err != nil {
		return "", err
	}
	expires := s.now().Add(s.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		Audience:  jwt.ClaimStrings{tokenAudience},
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return s.baseURL + RoutePrefix + escapeKey(key) + "?token=" + url.QueryEscape(token), nil
}

// Open opens a stored object for reading.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", object.ErrObjectNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

// Stat reports size and content type of a stored object.
func (s *Store) Stat(ctx context.Context, key string) (object.Info, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return object.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return object.Info{}, err
	}
	fi, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return object.Info{}, fmt.Errorf("%w: %s", object.ErrObjectNotFound, key)
		}
		return object.Info{}, err
	}
	return object.Info{Key: key, SizeBytes: fi.Size(), ContentType: s.contentType(fullPath)}, nil
}

// Handler serves objects addressed by URLs from SignURL. Mount it at RoutePrefix+"*key".
func (s *Store) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if err := s.verify(key, c.Query("token")); err != nil {
			respond.Error(c, http.StatusForbidden, "forbidden", "Invalid or expired link", nil)
			return
		}
		fullPath, err := s.resolve(key)
		if err != nil {
			respond.Error(c, http.StatusNotFound, "not_found", "Object not found", nil)
			return
		}
		if _, err := os.Stat(fullPath); err != nil {
			respond.Error(c, http.StatusNotFound, "not_found", "Object not found", nil)
			return
		}
		c.Header("Content-Type", s.contentType(fullPath))
		c.Header("Cache-Control", "private, max-age=60")
		c.File(fullPath)
	}
}

func (s *Store) verify(key, token string) error {
	if token == "" {
		return errors.New("missing token")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if claims.Subject != key {
		return errors.New("token key mismatch")
	}
	return nil
}

func (s *Store) resolve(key string) (string, error) {
	if err := object.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func (s *Store) contentType(fullPath string) string {
	if raw, err := os.ReadFile(typePath(fullPath)); err == nil && len(raw) > 0 {
		return string(raw)
	}
	if mt, err := mimetype.DetectFile(fullPath); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

func typePath(fullPath string) string {
	return filepath.Join(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".type")
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ object.Gateway = (*Store)(nil)
