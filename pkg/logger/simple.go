package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// EngineLogger is the default Logger implementation. It renders either a
// plain "[LEVEL] msg key=val ..." line or, when VISOR_DEBUG is set to a
// JSON-ish value, a single-line JSON object — useful when stdout is piped
// into another structured-log consumer during debugging.
type EngineLogger struct {
	level  LogLevel
	json   bool
	fields map[string]interface{}
}

// NewEngineLogger creates a logger at InfoLevel honouring VISOR_DEBUG.
func NewEngineLogger() *EngineLogger {
	l := &EngineLogger{
		level:  InfoLevel,
		fields: make(map[string]interface{}),
	}
	if v := os.Getenv("VISOR_DEBUG"); v != "" && v != "0" && v != "false" {
		l.level = DebugLevel
		l.json = strings.EqualFold(v, "json")
	}
	return l
}

// NewDefaultLogger returns the default Logger for the engine.
func NewDefaultLogger() Logger {
	return NewEngineLogger()
}

func (l *EngineLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= DebugLevel {
		l.emit("DEBUG", msg, fields...)
	}
}

func (l *EngineLogger) Info(msg string, fields ...interface{}) {
	if l.level <= InfoLevel {
		l.emit("INFO", msg, fields...)
	}
}

func (l *EngineLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= WarnLevel {
		l.emit("WARN", msg, fields...)
	}
}

func (l *EngineLogger) Error(msg string, fields ...interface{}) {
	if l.level <= ErrorLevel {
		l.emit("ERROR", msg, fields...)
	}
}

func (l *EngineLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

func (l *EngineLogger) clone() *EngineLogger {
	newFields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	return &EngineLogger{level: l.level, json: l.json, fields: newFields}
}

func (l *EngineLogger) WithField(key string, value interface{}) Logger {
	n := l.clone()
	n.fields[key] = value
	return n
}

func (l *EngineLogger) WithFields(fields map[string]interface{}) Logger {
	n := l.clone()
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

func (l *EngineLogger) With(fields ...Field) Logger {
	n := l.clone()
	for _, f := range fields {
		n.fields[f.Key] = f.Value
	}
	return n
}

func (l *EngineLogger) emit(level, msg string, extra ...interface{}) {
	merged := make(map[string]interface{}, len(l.fields)+len(extra)/2)
	for k, v := range l.fields {
		merged[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			merged[key] = extra[i+1]
		}
	}

	if l.json {
		rec := map[string]interface{}{"level": level, "msg": msg}
		for k, v := range merged {
			rec[k] = v
		}
		if b, err := json.Marshal(rec); err == nil {
			log.Println(string(b))
			return
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, fmt.Sprintf("[%s]", level), msg)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, merged[k]))
	}
	log.Println(strings.Join(parts, " "))
}
