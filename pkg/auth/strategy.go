package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"sync"
	"time"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// Result 认证结果
type Result struct {
	ExpiresAt time.Time // 零值表示不过期
}

// Strategy 认证策略
type Strategy interface {
	Authenticate(ctx context.Context) (Result, error)
	Headers() map[string]string
}

// NewStrategy 根据配置构造认证策略，缺少必需字段时返回错误
func NewStrategy(cfg types.AuthConfig) (Strategy, error) {
	header := cfg.HeaderName
	if header == "" {
		header = "Authorization"
	}

	switch cfg.Type {
	case "", types.AuthNone:
		return noneStrategy{}, nil
	case types.AuthToken:
		if cfg.Token == "" {
			return nil, fmt.Errorf("%w: token", wserrors.ErrMissingCredentials)
		}
		return &tokenStrategy{header: header, token: cfg.Token, expiresAt: cfg.TokenExpiry}, nil
	case types.AuthBasic:
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("%w: username and password", wserrors.ErrMissingCredentials)
		}
		return &basicStrategy{
			header:  header,
			encoded: base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password)),
		}, nil
	case types.AuthCustom:
		if cfg.Custom == nil {
			return nil, fmt.Errorf("%w: custom headers callback", wserrors.ErrMissingCredentials)
		}
		return &customStrategy{fn: cfg.Custom}, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

type noneStrategy struct{}

func (noneStrategy) Authenticate(context.Context) (Result, error) { return Result{}, nil }
func (noneStrategy) Headers() map[string]string                   { return map[string]string{} }

type tokenStrategy struct {
	mu        sync.RWMutex
	header    string
	token     string
	expiresAt time.Time
}

func (s *tokenStrategy) Authenticate(context.Context) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Result{ExpiresAt: s.expiresAt}, nil
}

func (s *tokenStrategy) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value := s.token
	if s.header == "Authorization" {
		value = "Bearer " + s.token
	}
	return map[string]string{s.header: value}
}

func (s *tokenStrategy) update(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
}

// basicStrategy 凭据在构造时编码，修改用户名密码需通过 Manager.UpdateConfig
type basicStrategy struct {
	header  string
	encoded string
}

func (s *basicStrategy) Authenticate(context.Context) (Result, error) { return Result{}, nil }

func (s *basicStrategy) Headers() map[string]string {
	return map[string]string{s.header: "Basic " + s.encoded}
}

type customStrategy struct {
	fn      types.HeadersFunc
	mu      sync.RWMutex
	headers map[string]string
}

func (s *customStrategy) Authenticate(ctx context.Context) (Result, error) {
	headers, err := s.fn(ctx)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	s.headers = maps.Clone(headers)
	s.mu.Unlock()
	return Result{}, nil
}

func (s *customStrategy) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.headers)
	if out == nil {
		out = map[string]string{}
	}
	return out
}
