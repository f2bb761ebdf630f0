package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"collabsync/backend/internal/store"
)

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
	Email    string `json:"email"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type Handler struct {
	users      *store.UserStore
	signer     *Signer
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *zap.Logger
}

func NewHandler(users *store.UserStore, signer *Signer, accessTTL time.Duration, log *zap.Logger) *Handler {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{users: users, signer: signer, accessTTL: accessTTL, refreshTTL: 7 * 24 * time.Hour, log: log}
}

// Routes 挂载 /auth 下的公开路由。
func (h *Handler) Routes(rg *gin.RouterGroup) {
	a := rg.Group("/auth")
	a.POST("/register", h.Register)
	a.POST("/login", h.Login)
	a.POST("/refresh", h.Refresh)
	a.POST("/verify", h.Verify)
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	u := &store.User{ID: uuid.NewString(), Username: strings.TrimSpace(req.Username), Email: req.Email, PasswordHash: hash}
	if err := h.users.CreateUser(c.Request.Context(), u); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		h.log.Error("register failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"userId": u.ID, "username": u.Username})
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	u, err := h.users.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
		return
	}
	// 只同步过 profile 的用户没有密码，不能走密码登录
	if len(u.PasswordHash) == 0 || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	access, _, err := h.signer.SignAccessToken(u.ID, u.Username, h.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign access token failed"})
		return
	}
	refresh, _, err := h.signer.SignRefreshToken(u.ID, u.Username, h.refreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign refresh token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int(h.accessTTL.Seconds()),
		"tokenType":    "Bearer",
		"user":         gin.H{"id": u.ID, "username": u.Username},
	})
}

// Refresh 校验 typ == "refresh" 后重新签发访问令牌。
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	claims, err := h.signer.ParseToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refreshToken"})
		return
	}
	if claims.Type != TypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken type mismatch"})
		return
	}
	access, _, err := h.signer.SignAccessToken(claims.UserID, claims.Username, h.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign access token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": access,
		"expiresIn":   int(h.accessTTL.Seconds()),
		"tokenType":   "Bearer",
		"user":        gin.H{"id": claims.UserID, "username": claims.Username},
	})
}

// Verify 成功返回 200 + claims，失败返回 401 + error。RemoteGate 调用的就是这个接口。
func (h *Handler) Verify(c *gin.Context) {
	token := ExtractBearer(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
		return
	}
	claims, err := h.signer.ParseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   claims.UserID,
		"username": claims.Username,
		"typ":      claims.Type,
		"exp":      claims.ExpiresAt,
	})
}
