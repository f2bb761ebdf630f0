package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUpstream 表示远程鉴权服务不可用，与令牌本身无效区分开。
var ErrUpstream = errors.New("auth upstream error")

// Identity 是鉴权后的用户身份。
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Gate 把一个 bearer 令牌解析为用户身份。
type Gate interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTGate 在本进程内校验访问令牌。
type JWTGate struct {
	signer *Signer
}

func NewJWTGate(s *Signer) *JWTGate { return &JWTGate{signer: s} }

func (g *JWTGate) Verify(_ context.Context, token string) (Identity, error) {
	claims, err := g.signer.ParseToken(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.Type != TypeAccess {
		return Identity{}, ErrWrongTokenType
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

type verifyResp struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	Error    string `json:"error"`
}

// RemoteGate 调用独立部署的 auth 服务的 /v1/auth/verify。
type RemoteGate struct {
	verifyURL string
	client    *http.Client
}

// NewRemoteGate baseURL 不要带路径，例如 http://localhost:3001。
func NewRemoteGate(baseURL string, client *http.Client) *RemoteGate {
	if client == nil {
		client = &http.Client{Timeout: 1200 * time.Millisecond}
	}
	return &RemoteGate{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    client,
	}
}

func (g *RemoteGate) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// 包含超时
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	var body verifyResp
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if body.Error != "" {
			return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, body.Error)
		}
		return Identity{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case decodeErr != nil:
		return Identity{}, fmt.Errorf("%w: invalid verify response", ErrUpstream)
	}
	if body.Type != "" && body.Type != TypeAccess {
		return Identity{}, ErrWrongTokenType
	}
	if body.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: body.UserID, Username: body.Username}, nil
}
