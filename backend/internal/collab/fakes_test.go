package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder 记录投递给每个连接的消息
type recorder struct {
	mu   sync.Mutex
	msgs map[string][]map[string]any
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]map[string]any)}
}

func (r *recorder) Deliver(connID string, payload []byte) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.msgs[connID] = append(r.msgs[connID], m)
	r.mu.Unlock()
}

func (r *recorder) all(connID string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.msgs[connID]))
	copy(out, r.msgs[connID])
	return out
}

func (r *recorder) ofType(connID, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range r.all(connID) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitFor 等待连接收到第 n 条（从 1 开始）typ 类型消息
func (r *recorder) waitFor(t *testing.T, connID, typ string, n int) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.ofType(connID, typ)) >= n
	}, 2*time.Second, 5*time.Millisecond, "conn %s never received %d x %s", connID, n, typ)
	return r.ofType(connID, typ)[n-1]
}

type memStore struct {
	mu       sync.Mutex
	bodies   map[string]string
	versions map[string]uint64
	owners   map[string]string
	err      error
	saves    int
}

func newMemStore() *memStore {
	return &memStore{bodies: make(map[string]string), versions: make(map[string]uint64), owners: make(map[string]string)}
}

func (s *memStore) Load(_ context.Context, docID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[docID], nil
}

func (s *memStore) Save(_ context.Context, docID, body, ownerID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if _, ok := s.owners[docID]; !ok {
		s.owners[docID] = ownerID
	}
	s.saves++
	s.bodies[docID] = body
	s.versions[docID]++
	return s.versions[docID], nil
}

func (s *memStore) snapshot(docID string) (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[docID], s.versions[docID]
}

func (s *memStore) owner(docID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[docID]
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// memCache 是 cache-aside 的内存版本，未命中时回源 memStore
type memCache struct {
	mu       sync.Mutex
	bodies   map[string]string
	store    *memStore
	setDelay func(body string) time.Duration
	getErr   error
	setErr   error
}

func newMemCache(store *memStore) *memCache {
	return &memCache{bodies: make(map[string]string), store: store}
}

func (c *memCache) Get(ctx context.Context, docID string) (string, error) {
	c.mu.Lock()
	if c.getErr != nil {
		c.mu.Unlock()
		return "", c.getErr
	}
	body, ok := c.bodies[docID]
	c.mu.Unlock()
	if ok {
		return body, nil
	}
	body, err := c.store.Load(ctx, docID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bodies[docID] = body
	c.mu.Unlock()
	return body, nil
}

func (c *memCache) Set(_ context.Context, docID, body string) error {
	if c.setDelay != nil {
		time.Sleep(c.setDelay(body))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.bodies[docID] = body
	return nil
}

func (c *memCache) fail(getErr, setErr error) {
	c.mu.Lock()
	c.getErr, c.setErr = getErr, setErr
	c.mu.Unlock()
}

func (c *memCache) peek(docID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.bodies[docID]
	return body, ok
}

type eventSink struct {
	mu     sync.Mutex
	events []DocEvent
}

func (s *eventSink) Offer(evt DocEvent) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func strPtr(s string) *string { return &s }
