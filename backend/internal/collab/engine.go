package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"collabsync/backend/internal/bus"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/session"
)

var (
	ErrNotJoined     = errors.New("connection has not joined a document")
	ErrAlreadyJoined = errors.New("connection already joined a document")
	ErrMissingDocID  = errors.New("missing docId")
	ErrClosed        = errors.New("engine closed")
)

// DocumentCache 是引擎使用的正文缓存。
type DocumentCache interface {
	Get(ctx context.Context, docID string) (string, error)
	Set(ctx context.Context, docID string, body string) error
}

// Persister 持久化正文并返回新版本号。ownerID 只在首次落库创建文档时使用。
type Persister interface {
	Save(ctx context.Context, docID, body, ownerID string) (uint64, error)
}

// Delivery 把已编码的消息投递给本实例上的某个连接；连接已断开时什么也不做。
type Delivery interface {
	Deliver(connID string, payload []byte)
}

// EventSink 接收文档事件，不能阻塞调用方。
type EventSink interface {
	Offer(evt DocEvent) error
}

// Client 是一个已鉴权的连接。UserID 来自鉴权，不信任客户端消息里的 userId。
type Client struct {
	ConnID   string
	UserID   string
	Username string
}

type Options struct {
	Registry *session.Registry
	Cache    DocumentCache
	Store    Persister
	Delivery Delivery
	Bus      bus.Bus
	Presence cache.PresenceCache // 可选
	Events   EventSink           // 可选

	SaveConcurrency int
	PresenceTTL     time.Duration
	OpTimeout       time.Duration
	SaveTimeout     time.Duration

	Log     *zap.Logger
	Metrics *metrics.Collab
}

type busBox struct{ bus.Bus }

// Engine 是同步引擎：处理 join / edit / cursor / save / disconnect。
// 同一文档的广播、缓存写和保存时的正文读取都在 edits 队列里按接收顺序执行；
// 持久化放在 saves 队列，避免慢保存拖住编辑的广播。
type Engine struct {
	registry *session.Registry
	cache    DocumentCache
	store    Persister
	delivery Delivery
	presence cache.PresenceCache
	events   EventSink
	bus      atomic.Value // busBox

	edits   *KeyedQueue
	saves   *KeyedQueue
	saveSem *SemaphoreControl

	presenceTTL time.Duration
	opTimeout   time.Duration
	saveTimeout time.Duration

	// 本实例自上次保存以来有未持久化编辑的文档
	dirtyMu sync.Mutex
	dirty   map[string]dirtyMark

	log     *zap.Logger
	metrics *metrics.Collab
}

func NewEngine(opt Options) *Engine {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.Registry == nil {
		opt.Registry = session.NewRegistry()
	}
	if opt.Bus == nil {
		opt.Bus = bus.NewLocal("")
	}
	if opt.SaveConcurrency <= 0 {
		opt.SaveConcurrency = 16
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = time.Minute
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 5 * time.Second
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 15 * time.Second
	}
	e := &Engine{
		registry:    opt.Registry,
		cache:       opt.Cache,
		store:       opt.Store,
		delivery:    opt.Delivery,
		presence:    opt.Presence,
		events:      opt.Events,
		edits:       NewKeyedQueue("edits", opt.Log),
		saves:       NewKeyedQueue("saves", opt.Log),
		saveSem:     NewSemaphoreControl(opt.SaveConcurrency),
		presenceTTL: opt.PresenceTTL,
		opTimeout:   opt.OpTimeout,
		saveTimeout: opt.SaveTimeout,
		dirty:       make(map[string]dirtyMark),
		log:         opt.Log,
		metrics:     opt.Metrics,
	}
	e.bus.Store(busBox{opt.Bus})
	return e
}

// UseBus 替换跨进程广播通道（启动时 Attach 完成后调用）。
func (e *Engine) UseBus(b bus.Bus) {
	if b == nil {
		return
	}
	e.bus.Store(busBox{b})
}

func (e *Engine) currentBus() bus.Bus {
	return e.bus.Load().(busBox).Bus
}

func (e *Engine) Registry() *session.Registry { return e.registry }

// Join 登记会话，然后在文档队列里读取正文发给加入者，并通知房间其他成员。
// 一个连接只能加入一次。
func (e *Engine) Join(ctx context.Context, c Client, docID string) error {
	if docID == "" {
		return ErrMissingDocID
	}
	if _, ok := e.registry.Session(c.ConnID); ok {
		return ErrAlreadyJoined
	}
	e.registry.Join(c.ConnID, docID, c.UserID)
	e.touchPresence(ctx, docID, c)

	// 登记之后才入队读取：此后的编辑一定排在这次读取之后，
	// 加入者要么在正文里看到它，要么收到它的 remote-changes。
	ok := e.edits.Submit(docID, func() {
		opCtx, cancel := e.opContext(ctx, e.opTimeout)
		defer cancel()

		body, err := e.cache.Get(opCtx, docID)
		if err != nil {
			e.log.Error("join: load document failed", zap.String("docId", docID), zap.String("connId", c.ConnID), zap.Error(err))
			// 撤销登记，客户端可以重新 join
			e.registry.Leave(c.ConnID)
			e.dropPresence(opCtx, docID, c.UserID)
			e.send(c.ConnID, ErrorMessage{Type: TypeError, Content: "LOAD_DOC_FAILED"})
			return
		}
		e.send(c.ConnID, DocumentMessage{Type: TypeDocument, DocID: docID, Content: body})
		e.broadcast(opCtx, docID, c.ConnID, PeerMessage{Type: TypeUserJoined, DocID: docID, UserID: c.UserID})
	})
	if !ok {
		return ErrClosed
	}
	e.log.Debug("joined", zap.String("docId", docID), zap.String("connId", c.ConnID), zap.String("userId", c.UserID))
	return nil
}

// Edit 广播增量与全文；携带全文时写入缓存。写缓存失败只记日志，广播照常。
func (e *Engine) Edit(ctx context.Context, c Client, delta json.RawMessage, content *string) error {
	sess, ok := e.registry.Session(c.ConnID)
	if !ok {
		return ErrNotJoined
	}
	docID := sess.DocID
	msg := RemoteChangesMessage{Type: TypeRemoteChanges, DocID: docID, UserID: sess.UserID, Delta: delta, Content: content}

	ok = e.edits.Submit(docID, func() {
		opCtx, cancel := e.opContext(ctx, e.opTimeout)
		defer cancel()

		e.broadcast(opCtx, docID, c.ConnID, msg)
		e.metrics.Edit()
		if content == nil {
			return
		}
		if err := e.cache.Set(opCtx, docID, *content); err != nil {
			e.log.Warn("edit: cache write failed", zap.String("docId", docID), zap.Error(err))
			return
		}
		e.markDirty(docID, sess.UserID)
		e.emit(DocEvent{EventType: EventDocEdited, DocID: docID, UserID: sess.UserID, ConnID: c.ConnID, Size: len(*content), At: time.Now()})
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Cursor 只转发，不存储。
func (e *Engine) Cursor(ctx context.Context, c Client, rng json.RawMessage, color string) error {
	sess, ok := e.registry.Session(c.ConnID)
	if !ok {
		return ErrNotJoined
	}
	msg := CursorMessage{Type: TypeCursorUpdate, DocID: sess.DocID, UserID: sess.UserID, Range: rng, Color: color}
	ok = e.edits.Submit(sess.DocID, func() {
		opCtx, cancel := e.opContext(ctx, e.opTimeout)
		defer cancel()
		e.broadcast(opCtx, sess.DocID, c.ConnID, msg)
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

type saveRequest struct {
	docID     string
	requester Client // 自动保存时为空
	auto      bool
}

// Save 持久化缓存中的当前正文。docID 为空时使用连接已加入的文档。
// 成功后向整个房间发送 document-saved；失败只通知请求者。
func (e *Engine) Save(ctx context.Context, c Client, docID string) error {
	if docID == "" {
		sess, ok := e.registry.Session(c.ConnID)
		if !ok {
			return ErrNotJoined
		}
		docID = sess.DocID
	}
	if !e.enqueueSave(ctx, saveRequest{docID: docID, requester: c}) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) enqueueSave(ctx context.Context, req saveRequest) bool {
	return e.edits.Submit(req.docID, func() {
		opCtx, cancel := e.opContext(ctx, e.opTimeout)
		body, err := e.cache.Get(opCtx, req.docID)
		cancel()
		if err != nil {
			e.saveFailed(req, err)
			return
		}
		// 在 edits 队列里读取：正文恰好包含此前接收的所有编辑
		mark := e.currentMark(req.docID)
		if !e.saves.Submit(req.docID, func() { e.persist(ctx, req, body, mark) }) {
			e.saveFailed(req, ErrClosed)
		}
	})
}

func (e *Engine) persist(ctx context.Context, req saveRequest, body string, mark dirtyMark) {
	opCtx, cancel := e.opContext(ctx, e.saveTimeout)
	defer cancel()

	if err := e.saveSem.Acquire(opCtx); err != nil {
		e.saveFailed(req, err)
		return
	}
	start := time.Now()
	// 文档还没落库时归属于保存者；自动保存归属于最后一个编辑者
	owner := req.requester.UserID
	if owner == "" {
		owner = mark.editor
	}
	version, err := e.store.Save(opCtx, req.docID, body, owner)
	_ = e.saveSem.Release()
	if err != nil {
		e.saveFailed(req, err)
		return
	}

	e.clearDirty(req.docID, mark.seq)
	e.metrics.Save(true)
	e.log.Info("document saved",
		zap.String("docId", req.docID),
		zap.Uint64("version", version),
		zap.String("size", humanize.Bytes(uint64(len(body)))),
		zap.Bool("auto", req.auto),
		zap.Duration("took", time.Since(start)))

	msg := SavedMessage{Type: TypeDocSaved, DocID: req.docID, Version: version, Auto: req.auto}
	e.broadcast(opCtx, req.docID, "", msg)
	// 请求者不在该文档房间时（按 docId 保存），单独回执
	if req.requester.ConnID != "" {
		if sess, ok := e.registry.Session(req.requester.ConnID); !ok || sess.DocID != req.docID {
			e.send(req.requester.ConnID, msg)
		}
	}
	e.emit(DocEvent{EventType: EventDocSaved, DocID: req.docID, UserID: req.requester.UserID, ConnID: req.requester.ConnID, Version: version, Size: len(body), Auto: req.auto, At: time.Now()})
}

func (e *Engine) saveFailed(req saveRequest, err error) {
	e.metrics.Save(false)
	e.log.Error("document save failed", zap.String("docId", req.docID), zap.Bool("auto", req.auto), zap.Error(err))
	if req.requester.ConnID != "" {
		e.send(req.requester.ConnID, SaveFailedMessage{Type: TypeSaveFailed, DocID: req.docID, Content: "SAVE_FAILED"})
	}
}

// Disconnect 注销会话，并通知剩余成员。未加入过的连接是空操作。
func (e *Engine) Disconnect(ctx context.Context, c Client) {
	sess, rooms := e.registry.Leave(c.ConnID)
	for _, docID := range rooms {
		e.dropPresence(ctx, docID, sess.UserID)
		e.edits.Submit(docID, func() {
			opCtx, cancel := e.opContext(ctx, e.opTimeout)
			defer cancel()
			e.broadcast(opCtx, docID, "", PeerMessage{Type: TypeUserLeft, DocID: docID, UserID: sess.UserID})
		})
	}
}

// Heartbeat 续期在线状态。
func (e *Engine) Heartbeat(ctx context.Context, c Client) error {
	sess, ok := e.registry.Session(c.ConnID)
	if !ok {
		return ErrNotJoined
	}
	e.touchPresence(ctx, sess.DocID, c)
	return nil
}

// Presence 把当前在线成员列表发给请求者。
func (e *Engine) Presence(ctx context.Context, c Client) error {
	sess, ok := e.registry.Session(c.ConnID)
	if !ok {
		return ErrNotJoined
	}
	members, err := e.Members(ctx, sess.DocID)
	if err != nil {
		return err
	}
	e.send(c.ConnID, PresenceMessage{Type: TypePresence, DocID: sess.DocID, Members: members})
	return nil
}

// Members 返回文档的在线成员（跨实例）。
func (e *Engine) Members(ctx context.Context, docID string) ([]cache.PresenceMember, error) {
	if e.presence == nil {
		return []cache.PresenceMember{}, nil
	}
	members, err := e.presence.AliveMembers(ctx, docID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	return members, nil
}

// HandleRemote 投递其他实例发来的广播，只投给本地成员，不再转发。
func (e *Engine) HandleRemote(env bus.Envelope) {
	for _, connID := range e.registry.MembersOf(env.DocID) {
		if connID == env.Except {
			continue
		}
		e.delivery.Deliver(connID, env.Payload)
	}
}

// FlushDirty 保存本实例上有未持久化编辑的文档，返回提交的数量。
func (e *Engine) FlushDirty(ctx context.Context) int {
	e.dirtyMu.Lock()
	docs := make([]string, 0, len(e.dirty))
	for docID := range e.dirty {
		docs = append(docs, docID)
	}
	e.dirtyMu.Unlock()

	n := 0
	for _, docID := range docs {
		if e.enqueueSave(ctx, saveRequest{docID: docID, auto: true}) {
			n++
		}
	}
	return n
}

// Dirty 返回有未持久化编辑的文档数。
func (e *Engine) Dirty() int {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	return len(e.dirty)
}

// Close 停止接收新事件，等待已接收的事件处理完。
func (e *Engine) Close() {
	e.edits.Close()
	e.saves.Close()
}

// Live 文档在本实例有在线成员或未保存的编辑。缓存淘汰时跳过这些文档。
func (e *Engine) Live(docID string) bool {
	if len(e.registry.MembersOf(docID)) > 0 {
		return true
	}
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	_, ok := e.dirty[docID]
	return ok
}

// dirtyMark 编辑序号与最后一个编辑者
type dirtyMark struct {
	seq    uint64
	editor string
}

func (e *Engine) markDirty(docID, userID string) {
	e.dirtyMu.Lock()
	m := e.dirty[docID]
	m.seq++
	m.editor = userID
	e.dirty[docID] = m
	e.dirtyMu.Unlock()
}

func (e *Engine) currentMark(docID string) dirtyMark {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	return e.dirty[docID]
}

// clearDirty 只有保存期间没有新编辑时才清除标记。
func (e *Engine) clearDirty(docID string, seq uint64) {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	if e.dirty[docID].seq == seq {
		delete(e.dirty, docID)
	}
}

// broadcast 发给房间内除 except 外的本地连接，并通过 bus 转发给其他实例。
func (e *Engine) broadcast(ctx context.Context, docID, except string, msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("encode message failed", zap.String("type", msg.MessageType()), zap.Error(err))
		return
	}
	for _, connID := range e.registry.MembersOf(docID) {
		if connID == except {
			continue
		}
		e.delivery.Deliver(connID, data)
	}
	if err := e.currentBus().Publish(ctx, bus.Envelope{DocID: docID, Except: except, Payload: data}); err != nil {
		e.log.Warn("bus publish failed", zap.String("docId", docID), zap.String("type", msg.MessageType()), zap.Error(err))
	}
}

func (e *Engine) send(connID string, msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("encode message failed", zap.String("type", msg.MessageType()), zap.Error(err))
		return
	}
	e.delivery.Deliver(connID, data)
}

func (e *Engine) emit(evt DocEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Offer(evt); err != nil {
		e.log.Debug("doc event dropped", zap.String("docId", evt.DocID), zap.String("eventType", evt.EventType), zap.Error(err))
	}
}

func (e *Engine) touchPresence(ctx context.Context, docID string, c Client) {
	if e.presence == nil {
		return
	}
	if err := e.presence.AddMember(ctx, docID, c.UserID, c.Username, e.presenceTTL); err != nil {
		e.log.Warn("presence add failed", zap.String("docId", docID), zap.Error(err))
	}
}

// dropPresence 同一用户在本实例的该房间里没有其他连接时才移除。
func (e *Engine) dropPresence(ctx context.Context, docID, userID string) {
	if e.presence == nil || userID == "" {
		return
	}
	for _, connID := range e.registry.MembersOf(docID) {
		if sess, ok := e.registry.Session(connID); ok && sess.UserID == userID {
			return
		}
	}
	pctx, cancel := e.opContext(ctx, e.opTimeout)
	defer cancel()
	if err := e.presence.RemoveMember(pctx, docID, userID); err != nil {
		e.log.Warn("presence remove failed", zap.String("docId", docID), zap.Error(err))
	}
}

// opContext 与连接的生命周期解绑：断开连接不取消已经接收的操作。
func (e *Engine) opContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
