package logging

import (
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/text"
)

var logFileObj *os.File

// Init 安装文本 handler 并设置级别。logFile 为空时输出到 stdout，
// 级别无法解析时回退到 INFO。
func Init(logFile, level string) error {
	var w io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFileObj = f
		w = f
	}
	log.SetHandler(text.New(w))
	log.SetLevel(ParseLevel(level))
	return nil
}

func ParseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func Shutdown() {
	if logFileObj != nil {
		logFileObj.Close()
		logFileObj = nil
	}
}

// Module 返回带 module 字段的 logger
func Module(name string) log.Interface {
	return log.WithField("module", name)
}

// Discard 测试和不需要日志的组件使用
func Discard() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.FatalLevel}
}
