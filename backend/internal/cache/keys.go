package cache

import "fmt"

// 键语义：
// - docKey(docID):      文档正文缓存（String）
// - recentKey():        文档最近访问时间索引（ZSet<docID, unixMilli>），用于容量淘汰
// - roomKey(docID):     房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):    房间内 userId→username 映射（Hash）
//
// 用 {} 包住 docID：Redis Cluster 只对 {} 内部做 CRC16，同一文档的键落在同一个槽，
// TxPipeline / Lua 脚本跨键操作不会报 CROSSSLOT。

const (
	keyDocFmt   = "collab:doc:{docID:%s}"
	keyRecent   = "collab:docs:recent"
	keyRoomFmt  = "presence:room:{docID:%s}"
	keyNamesFmt = "presence:room:names:{docID:%s}"
)

func docKey(docID string) string   { return fmt.Sprintf(keyDocFmt, docID) }
func recentKey() string            { return keyRecent }
func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
