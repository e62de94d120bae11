package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/pkgyard/internal/session"
)

// handleStream streams every state of one session as SSE until the session
// is terminal or the client goes away. The current state is sent first.
func (s *Server) handleStream(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	states := make(chan session.State, 16)
	l := session.StateFunc(func(_ session.ID, st session.State) {
		select {
		case states <- st:
		default:
			s.log.Warn("state stream lagging, dropping update", "session", sess.ID().String(), "state", st.String())
		}
	})
	sub := sess.AddStateListener(l)
	defer sub.Dispose()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	writeSSE(c.Writer, "connected", map[string]string{"id": sess.ID().String()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case st := <-states:
			v := sessionView{ID: sess.ID().String(), Operation: sess.Operation()}
			stateFields(&v, st)
			writeSSE(c.Writer, "state", v)
			c.Writer.Flush()
			if st.IsTerminal() {
				return
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
