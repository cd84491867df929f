package cache

import "fmt"

// 键语义：
// - roomKey(docID):             房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - statusKey(docID):           房间内 userId→status 映射（Hash）
// - cursorKey(docID, userID):   光标 JSON（String，带 TTL）
// - docsKey():                  有在线成员的文档索引（Set<docID>）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"        // ZSet<userId, expireAtUnix>
	keyStatusFmt = "presence:room:status:{docID:%s}" // Hash<userId -> ONLINE|AWAY>
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"   // String<json>
	keyDocsSet   = "presence:docs"                   // Set<docID>
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func statusKey(docID string) string         { return fmt.Sprintf(keyStatusFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                       { return keyDocsSet }
