package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	levelDebug int32 = iota
	levelInfo
	levelWarn
	levelError
)

var minLogLevel atomic.Int32

func init() {
	minLogLevel.Store(levelInfo)
}

var secretLogKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"authorization": true,
}

// setLogLevel accepts debug, info, warn or error; anything else keeps info.
func setLogLevel(raw string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		minLogLevel.Store(levelDebug)
	case "warn", "warning":
		minLogLevel.Store(levelWarn)
	case "error":
		minLogLevel.Store(levelError)
	default:
		minLogLevel.Store(levelInfo)
	}
}

func logDebug(event string, kv ...any) {
	logWithLevel(levelDebug, "debug", event, kv...)
}

func logInfo(event string, kv ...any) {
	logWithLevel(levelInfo, "info", event, kv...)
}

func logWarn(event string, kv ...any) {
	logWithLevel(levelWarn, "warn", event, kv...)
}

func logError(event string, kv ...any) {
	logWithLevel(levelError, "error", event, kv...)
}

func logWithLevel(level int32, name, event string, kv ...any) {
	if level < minLogLevel.Load() {
		return
	}
	log.Print(formatLogLine(name, event, kv...))
}

func formatLogLine(level, event string, kv ...any) string {
	var b strings.Builder
	b.WriteString("level=")
	b.WriteString(level)
	b.WriteString(" event=")
	b.WriteString(event)

	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		if secretLogKeys[strings.ToLower(key)] {
			b.WriteString(maskToken(fmt.Sprintf("%v", kv[i+1])))
			continue
		}
		b.WriteString(formatLogValue(kv[i+1]))
	}

	if len(kv)%2 == 1 {
		b.WriteString(" extra=")
		b.WriteString(formatLogValue(kv[len(kv)-1]))
	}
	return b.String()
}

func formatLogValue(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "0"
		}
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case error:
		if t == nil {
			return `""`
		}
		return strconv.Quote(t.Error())
	}

	s := fmt.Sprintf("%v", v)
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
