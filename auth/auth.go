// Package auth exchanges API credentials for a session access token
// before every feed connection attempt. Tokens are short lived server
// side, so an optional Redis cache keeps the last issued token and its
// TTL across restarts instead of burning a login on every boot.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tickflow/config"
	"tickflow/logger"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPath     = "/session/token"
	defaultTokenTTL = 8 * time.Hour
	requestTimeout  = 10 * time.Second
)

// ErrLoginRejected marks a credential failure as opposed to a
// transport failure.
var ErrLoginRejected = errors.New("session login rejected")

type sessionResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Service issues and caches session tokens.
type Service struct {
	cfg   config.AuthConfig
	http  *resty.Client
	cache *redis.Client
	log   *logger.Log
}

// NewService builds the auth collaborator. A Redis URL is optional;
// without one every EnsureValidTokens call hits the login endpoint.
func NewService(cfg config.AuthConfig) (*Service, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("auth credentials are not configured")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}

	s := &Service{
		cfg:  cfg,
		http: resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(requestTimeout),
		log:  logger.GetLogger(),
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		s.cache = redis.NewClient(opt)
	}

	return s, nil
}

// EnsureValidTokens returns a usable access token, from cache when one
// is still live, otherwise via a fresh login. Cache failures degrade
// to a login, never to an error.
func (s *Service) EnsureValidTokens(ctx context.Context) (string, error) {
	log := s.log.WithComponent("auth")

	if token, ok := s.cachedToken(ctx); ok {
		log.Debug("using cached access token")
		return token, nil
	}

	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}

	s.storeToken(ctx, token)
	log.Info("issued fresh access token")
	return token, nil
}

// login posts the API key and a SHA-256 checksum of key+secret to the
// session endpoint.
func (s *Service) login(ctx context.Context) (string, error) {
	sum := sha256.Sum256([]byte(s.cfg.APIKey + s.cfg.APISecret))

	var out sessionResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":  s.cfg.APIKey,
			"checksum": hex.EncodeToString(sum[:]),
		}).
		SetResult(&out).
		Post(sessionPath)
	if err != nil {
		return "", fmt.Errorf("session request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d", ErrLoginRejected, resp.StatusCode())
	}
	if out.Data.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token in response", ErrLoginRejected)
	}
	return out.Data.AccessToken, nil
}

func (s *Service) cacheKey() string {
	return "tickflow:access_token:" + s.cfg.APIKey
}

func (s *Service) cachedToken(ctx context.Context) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	token, err := s.cache.Get(ctx, s.cacheKey()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithComponent("auth").WithError(err).Warn("token cache read failed")
		}
		return "", false
	}
	return token, token != ""
}

func (s *Service) storeToken(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(), token, s.cfg.TokenTTL).Err(); err != nil {
		s.log.WithComponent("auth").WithError(err).Warn("token cache write failed")
	}
}

// Close releases the cache connection.
func (s *Service) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}
