package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/backend/internal/access"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/store"
)

// BodyEvicter 删除文档的缓存正文。
type BodyEvicter interface {
	Evict(ctx context.Context, docID string) error
}

// PresenceLister 返回文档当前在线成员。
type PresenceLister interface {
	Members(ctx context.Context, docID string) ([]cache.PresenceMember, error)
}

type DocumentHandler struct {
	docs      *store.DocumentStore
	snapshots *store.SnapshotStore
	access    *access.Checker
	presence  PresenceLister
	bodies    BodyEvicter
	log       *zap.Logger
}

func NewDocumentHandler(docs *store.DocumentStore, snapshots *store.SnapshotStore, checker *access.Checker, presence PresenceLister, bodies BodyEvicter, log *zap.Logger) *DocumentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentHandler{docs: docs, snapshots: snapshots, access: checker, presence: presence, bodies: bodies, log: log}
}

func (h *DocumentHandler) Routes(rg *gin.RouterGroup) {
	d := rg.Group("/documents")
	d.POST("", h.CreateDocument)
	d.GET("", h.ListDocuments)
	d.GET("/:docId", h.GetDocument)
	d.PUT("/:docId/title", h.RenameDocument)
	d.DELETE("/:docId", h.DeleteDocument)

	d.GET("/:docId/collaborators", h.ListCollaborators)
	d.POST("/:docId/collaborators", h.AddCollaborator)
	d.DELETE("/:docId/collaborators/:userId", h.RemoveCollaborator)

	d.GET("/:docId/snapshots", h.ListSnapshots)
	d.GET("/:docId/presence", h.Presence)
}

type titleReq struct {
	Title string `json:"title"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	// gin.Context 对每个请求天然隔离，身份由鉴权中间件写入
	me := auth.IdentityFrom(c)
	var req titleReq
	// 允许空 body
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	doc := &store.Document{ID: uuid.NewString(), Title: title, OwnerID: me.UserID}
	if err := h.docs.CreateDocument(c.Request.Context(), doc); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	docs, err := h.docs.ListForUser(c.Request.Context(), auth.IdentityFrom(c).UserID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.CanOpen(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	doc, err := h.docs.GetDocument(ctx, docID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) RenameDocument(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing title"})
		return
	}
	if err := h.access.CanOpen(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.docs.RenameDocument(ctx, docID, strings.TrimSpace(req.Title)); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": strings.TrimSpace(req.Title)})
}

// DeleteDocument 只有所有者可以删除。同时删除历史快照和缓存中的正文，
// 之后同一 id 的连接只能看到空文档。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.MustOwn(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	// 缓存清不掉就不删库，避免留下无主的正文
	if err := h.evictBody(ctx, docID); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.docs.DeleteDocument(ctx, docID); err != nil {
		writeError(c, h.log, err)
		return
	}
	// 删库期间写入的编辑再清一次
	if err := h.evictBody(ctx, docID); err != nil {
		h.log.Warn("evict deleted document body failed", zap.String("docId", docID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) evictBody(ctx context.Context, docID string) error {
	if h.bodies == nil {
		return nil
	}
	return h.bodies.Evict(ctx, docID)
}

func (h *DocumentHandler) ListCollaborators(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.CanOpen(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	list, err := h.docs.Collaborators(ctx, docID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if list == nil {
		list = []store.Collaborator{}
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": list})
}

type collaboratorReq struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
}

func (h *DocumentHandler) AddCollaborator(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	var req collaboratorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
		return
	}
	if err := h.access.MustOwn(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.docs.AddCollaborator(ctx, docID, req.UserID, req.Username); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "userId": req.UserID, "username": req.Username})
}

func (h *DocumentHandler) RemoveCollaborator(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.MustOwn(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.docs.RemoveCollaborator(ctx, docID, c.Param("userId")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) ListSnapshots(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.CanOpen(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.snapshots.List(ctx, docID, limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if list == nil {
		list = []store.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list})
}

func (h *DocumentHandler) Presence(c *gin.Context) {
	docID := c.Param("docId")
	ctx := c.Request.Context()
	if err := h.access.CanOpen(ctx, docID, auth.IdentityFrom(c).UserID); err != nil {
		writeError(c, h.log, err)
		return
	}
	members, err := h.presence.Members(ctx, docID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}
