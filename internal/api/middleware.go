package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger is a Gin middleware that logs requests using zerolog. Requests
// that concern a task carry its id, taken from the route or from the X-Task-ID
// header set by the generate stream.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		if raw != "" {
			path = path + "?" + raw
		}
		if taskID := requestTaskID(c); taskID != "" {
			evt = evt.Str("task_id", taskID)
		}

		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("http request completed")
	}
}

func requestTaskID(c *gin.Context) string {
	if id := c.Param("task_id"); id != "" {
		return id
	}
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Writer.Header().Get("X-Task-ID")
}
