package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu     sync.RWMutex
	baseLogger *zap.Logger
)

// ParseLevel maps DEBUG/INFO/WARN/ERROR to a zap level. Unknown values are INFO.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewZapLogger builds the process logger: console output on stderr at the given level.
func NewZapLogger(level string) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(ParseLevel(level)),
	)
	return zap.New(core, zap.AddCaller())
}

// SetBaseLogger replaces the logger used by NewLogger. Loggers created
// earlier keep their old sink.
func SetBaseLogger(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = l
}

func base() *zap.Logger {
	baseMu.RLock()
	l := baseLogger
	baseMu.RUnlock()
	if l != nil {
		return l
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	if baseLogger == nil {
		baseLogger = NewZapLogger(os.Getenv("LOG_LEVEL"))
	}
	return baseLogger
}

// Logger is a printf-style logger tagged with a component name
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger instance
func NewLogger(prefix string) *Logger {
	return NewLoggerFrom(prefix, base())
}

// NewLoggerFrom creates a logger writing to z.
func NewLoggerFrom(prefix string, z *zap.Logger) *Logger {
	return &Logger{
		prefix: prefix,
		sugar:  z.Named(prefix).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

// Zap returns the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// ErrorWithStack logs an error with stack trace
func (l *Logger) ErrorWithStack(err error, format string, args ...interface{}) {
	l.sugar.With(zap.Error(err), zap.StackSkip("stack", 1)).Errorf(format, args...)
}

// DebugEnabled reports whether debug messages are written.
func (l *Logger) DebugEnabled() bool {
	return l.sugar.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Writer returns an io.Writer that logs each written line at debug level.
// Protocol clients use it for wire traces.
func (l *Logger) Writer() io.Writer {
	return &lineWriter{logger: l}
}

type lineWriter struct {
	logger *Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger.sugar.Debug(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// LogHTTPRequest logs details of an HTTP request
func (l *Logger) LogHTTPRequest(r *http.Request, includeBody bool) {
	if !l.DebugEnabled() {
		return
	}

	l.Debug("HTTP Request: %s %s", r.Method, r.URL.String())

	headers := make(map[string]string)
	for k, v := range r.Header {
		// Skip sensitive headers in logs
		if k == "Authorization" || k == "Cookie" {
			headers[k] = "[REDACTED]"
		} else {
			headers[k] = strings.Join(v, ", ")
		}
	}

	headerJSON, _ := json.MarshalIndent(headers, "", "  ")
	l.Debug("Request Headers:\n%s", string(headerJSON))

	if includeBody && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			l.Debug("Request Body:\n%s", prettyBody(body))
		}
	}
}

func prettyBody(body []byte) string {
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		pretty, _ := json.MarshalIndent(v, "", "  ")
		return string(pretty)
	}
	// Limit body size in logs
	s := string(body)
	if len(s) > 1000 {
		s = s[:1000] + "... (truncated)"
	}
	return s
}

// HTTPLoggingMiddleware creates a middleware that logs HTTP requests and responses
func HTTPLoggingMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.LogHTTPRequest(r, true)

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP %s %s - %d (%v)", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
