package awareness

import "fmt"

// 键语义：
// - roomKey(docID):    房间在线客户端（ZSet<clientID, expireAtUnix>，score=expireAt）
// - statesKey(docID):  客户端最新状态（Hash<clientID -> 单条 awareness update>）
// - channelKey(docID): 状态变化通知（Pub/Sub，payload 为 awareness update）
// - docsKey():         有人在线过的文档索引（Set<docID>）

const (
	keyRoomFmt    = "presence:room:{docID:%s}"        // ZSet<clientID, expireAtUnix>
	keyStatesFmt  = "presence:room:states:{docID:%s}" // Hash<clientID -> update>
	keyChannelFmt = "presence:room:chan:{docID:%s}"   // Pub/Sub
	keyDocsSet    = "presence:docs"                   // Set<docID>
)

func roomKey(docID string) string    { return fmt.Sprintf(keyRoomFmt, docID) }
func statesKey(docID string) string  { return fmt.Sprintf(keyStatesFmt, docID) }
func channelKey(docID string) string { return fmt.Sprintf(keyChannelFmt, docID) }
func docsKey() string                { return keyDocsSet }
