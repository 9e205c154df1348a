package api

import (
	"context"
	"net/http"

	"voicefeed/server/internal/feed"
	"voicefeed/server/internal/model"
	"voicefeed/server/internal/notestore"
	"voicefeed/server/internal/permalink"
	"voicefeed/server/internal/reader"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server 控制/状态 HTTP 面。会话本体由 feed.Session 承载，
// 这里只是把 start/stop 与播放控制暴露出去。
type Server struct {
	session     *feed.Session
	store       *notestore.Store
	scheduler   *reader.Scheduler
	misskeyHost string
	logger      *logrus.Logger
}

// NewServer 创建 API 服务。misskeyHost 用于构造该来源的 permalink。
func NewServer(session *feed.Session, store *notestore.Store, scheduler *reader.Scheduler, misskeyHost string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		session:     session,
		store:       store,
		scheduler:   scheduler,
		misskeyHost: misskeyHost,
		logger:      logger,
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/api/session/start", s.handleSessionStart)
	engine.POST("/api/session/stop", s.handleSessionStop)
	engine.POST("/api/reader/pause", s.handleReaderPause)
	engine.POST("/api/reader/resume", s.handleReaderResume)
	engine.POST("/api/reader/skip", s.handleReaderSkip)
	engine.POST("/api/reader/mute", s.handleReaderMute)
	engine.POST("/api/reader/language", s.handleReaderLanguage)
	engine.GET("/api/notes", s.handleNotes)
	engine.GET("/api/status", s.handleStatus)
	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSessionStart(c *gin.Context) {
	// 会话生命周期长于请求，不挂在请求 ctx 上
	if err := s.session.Start(context.Background()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleSessionStop(c *gin.Context) {
	s.session.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleReaderPause(c *gin.Context) {
	s.scheduler.Pause()
	c.JSON(http.StatusOK, gin.H{"state": string(s.scheduler.State())})
}

func (s *Server) handleReaderResume(c *gin.Context) {
	s.scheduler.Resume()
	c.JSON(http.StatusOK, gin.H{"state": string(s.scheduler.State())})
}

func (s *Server) handleReaderSkip(c *gin.Context) {
	s.scheduler.Skip()
	c.JSON(http.StatusOK, gin.H{"status": "skipped"})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleReaderMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.scheduler.SetMuted(req.Muted)
	c.JSON(http.StatusOK, gin.H{"muted": req.Muted})
}

type languageRequest struct {
	// Lang 会话级朗读语言覆盖，空串清除
	Lang string `json:"lang"`
}

func (s *Server) handleReaderLanguage(c *gin.Context) {
	var req languageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.scheduler.SetLanguageOverride(req.Lang)
	c.JSON(http.StatusOK, gin.H{"lang": req.Lang})
}

type noteView struct {
	model.Note
	Permalink       string `json:"permalink,omitempty"`
	AuthorPermalink string `json:"author_permalink,omitempty"`
}

func (s *Server) handleNotes(c *gin.Context) {
	notes := s.store.List()
	views := make([]noteView, 0, len(notes))
	for i := range notes {
		views = append(views, noteView{
			Note:            notes[i],
			Permalink:       permalink.ForNote(&notes[i], s.misskeyHost),
			AuthorPermalink: permalink.ForAuthor(&notes[i], s.misskeyHost),
		})
	}
	c.JSON(http.StatusOK, gin.H{"notes": views, "unread": s.store.Unread()})
}

func (s *Server) handleStatus(c *gin.Context) {
	sources := make(map[string]bool)
	for source, connected := range s.session.SourcesConnected() {
		sources[string(source)] = connected
	}
	c.JSON(http.StatusOK, gin.H{
		"running":            s.session.Running(),
		"reader_state":       string(s.scheduler.State()),
		"muted":              s.scheduler.Muted(),
		"sources":            sources,
		"all_sources_failed": s.session.AllSourcesFailed(),
		"notes":              s.store.Len(),
		"unread":             s.store.Unread(),
	})
}
