package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/plugin"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/store"
)

// registerRoutes sets up every route on the gin engine.
func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	r.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	api := r.Group("/api")
	api.GET("/sessions", s.handleList)
	api.POST("/sessions/install", s.handleCreateInstall)
	api.POST("/sessions/uninstall", s.handleCreateUninstall)
	api.GET("/sessions/:id", s.handleShow)
	api.POST("/sessions/:id/launch", s.handleAction("launch"))
	api.POST("/sessions/:id/commit", s.handleAction("commit"))
	api.POST("/sessions/:id/cancel", s.handleAction("cancel"))
	api.GET("/sessions/:id/events", s.handleStream)
	api.POST("/events", s.handleEvent)
	if s.opts.Confirmer != nil {
		api.POST("/confirmations/:token", s.handleConfirm)
	}
}

func apiError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleList(c *gin.Context) {
	var f store.Filter
	f.Operation = session.Operation(c.Query("operation"))
	if states := c.Query("state"); states != "" {
		for _, name := range strings.Split(states, ",") {
			k, err := session.ParseStateKind(strings.ToUpper(strings.TrimSpace(name)))
			if err != nil {
				apiError(c, http.StatusBadRequest, err)
				return
			}
			f.States = append(f.States, k)
		}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			apiError(c, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	sums, err := s.opts.Repo.List(c.Request.Context(), f)
	if err != nil {
		apiError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionView, 0, len(sums))
	for _, sum := range sums {
		out = append(out, summaryView(sum))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func createStatus(err error) int {
	if errors.Is(err, plugin.ErrUnknownPlugin) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func (s *Server) handleCreateInstall(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err)
		return
	}
	p, err := req.parameters()
	if err != nil {
		apiError(c, http.StatusBadRequest, err)
		return
	}
	sess, err := s.opts.Repo.CreateInstall(c.Request.Context(), p)
	if err != nil {
		apiError(c, createStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, liveView(sess))
}

func (s *Server) handleCreateUninstall(c *gin.Context) {
	var req uninstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err)
		return
	}
	sess, err := s.opts.Repo.CreateUninstall(c.Request.Context(), req.parameters())
	if err != nil {
		apiError(c, createStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, liveView(sess))
}

// lookup resolves :id, writing the error response itself.
func (s *Server) lookup(c *gin.Context) (session.Completable, bool) {
	id, err := session.ParseID(c.Param("id"))
	if err != nil {
		apiError(c, http.StatusBadRequest, err)
		return nil, false
	}
	sess, err := s.opts.Repo.Get(c.Request.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		apiError(c, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		apiError(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleShow(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, liveView(sess))
}

// handleAction drives one state machine call. A call that is not legal
// from the current state answers 409 with the unchanged session.
func (s *Server) handleAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.lookup(c)
		if !ok {
			return
		}
		accepted := true
		switch action {
		case "launch":
			accepted = sess.Launch()
		case "commit":
			accepted = sess.Commit()
		case "cancel":
			sess.Cancel()
		}
		status := http.StatusOK
		if !accepted {
			status = http.StatusConflict
		}
		s.log.Debug("session action", "session", sess.ID().String(), "action", action, "accepted", accepted)
		c.JSON(status, liveView(sess))
	}
}

// handleEvent accepts a platform status event and routes it synchronously.
func (s *Server) handleEvent(c *gin.Context) {
	var e platform.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		apiError(c, http.StatusBadRequest, err)
		return
	}
	if e.SessionID.IsZero() {
		apiError(c, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	if err := s.opts.Router.Process(c.Request.Context(), e); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			apiError(c, http.StatusNotFound, err)
			return
		}
		apiError(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type confirmRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err)
		return
	}
	err := s.opts.Confirmer.Confirm(c.Request.Context(), c.Param("token"), req.Accept)
	if errors.Is(err, platform.ErrUnknownSession) {
		apiError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		apiError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusAccepted)
}
