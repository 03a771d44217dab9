package api

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /ws/events and streams broadcast messages until the
// client disconnects. Clients resume with ?last_seq=<n> (domain events) and
// ?transcript_seq=<n> (conversation feed); omitted cursors default to
// live-tail from the current position.
func (s *Server) wsHandler(c *echo.Context) error {
	fromSeq := s.store.LastSeq()
	if v := c.QueryParam("last_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(400, "invalid last_seq")
		}
		fromSeq = n
	}
	var transcriptFrom int64 = -1
	if v := c.QueryParam("transcript_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(400, "invalid transcript_seq")
		}
		transcriptFrom = n
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	if transcriptFrom < 0 {
		// Default: replay nothing, live-tail only.
		recent := s.feed.Recent(1)
		if len(recent) > 0 {
			transcriptFrom = recent[0].Seq
		} else {
			transcriptFrom = 0
		}
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, fromSeq, transcriptFrom)
	return nil
}

// splitComma splits a comma-separated query value, dropping empties.
func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// contextWithTimeout is a shim so handlers read naturally.
func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
