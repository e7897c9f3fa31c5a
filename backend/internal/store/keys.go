package store

import "fmt"

// Redis 键语义：
// - recordsKey(prefix, parent): 父节点下的子记录（Hash<child -> value>）
// - channelKey(prefix, parent): 父节点的新记录通知频道（Pub/Sub，payload 为 envelope JSON）
//
// {} 包住路径作为 hash tag，集群模式下同一父节点的 Hash 和频道落在同一个 slot。

const (
	keyRecordsFmt = "%s:graph:{%s}"
	keyChannelFmt = "%s:graph:chan:{%s}"
)

func recordsKey(prefix, parent string) string { return fmt.Sprintf(keyRecordsFmt, prefix, parent) }
func channelKey(prefix, parent string) string { return fmt.Sprintf(keyChannelFmt, prefix, parent) }
