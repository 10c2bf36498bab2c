package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// probePaths are polled by supervisors and only logged at debug.
var probePaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// routeLabel keeps metric cardinality bounded: session ids stay in the
// route template and unknown paths collapse to one value.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

// RequestLogger logs one line per request. Requests on a session route carry
// its session_id, and websocket attachments are logged when they end.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := routeLabel(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probePaths[path]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("session_id", id)
		}
		if status == http.StatusSwitchingProtocols {
			event = event.Bool("websocket", true)
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

// RequestMetricsMiddleware counts requests by route template. A websocket
// attachment lasts as long as the client stays, so its lifetime goes to the
// attach histogram instead of the request latency one.
func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		if status == http.StatusSwitchingProtocols {
			RecordAttach(elapsed)
			RecordHTTPRequest(c.Request.Method, routeLabel(c), status, 0)
			return
		}
		RecordHTTPRequest(c.Request.Method, routeLabel(c), status, elapsed)
	}
}
