package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/store"
)

type UserHandler struct {
	users *store.UserStore
	log   *zap.Logger
}

func NewUserHandler(users *store.UserStore, log *zap.Logger) *UserHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserHandler{users: users, log: log}
}

func (h *UserHandler) Routes(rg *gin.RouterGroup) {
	u := rg.Group("/users")
	u.POST("/profile", h.UpsertProfile)
	u.GET("", h.ListUsers)
}

type profileReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UpsertProfile 以令牌中的用户 id 保存资料，用户名缺省取令牌里的名字。
func (h *UserHandler) UpsertProfile(c *gin.Context) {
	me := auth.IdentityFrom(c)
	var req profileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = me.Username
	}
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}
	u := &store.User{ID: me.UserID, Username: username, Email: req.Email}
	if err := h.users.UpsertProfile(c.Request.Context(), u); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username, "email": u.Email})
}

func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
