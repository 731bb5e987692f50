package daemon

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/outbound"
	"github.com/tandem-app/tandem/internal/chat/registry"
	"github.com/tandem-app/tandem/internal/chat/syncer"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/chat/unread"
	"github.com/tandem-app/tandem/internal/config"
	"github.com/tandem-app/tandem/internal/notify"
	"github.com/tandem-app/tandem/internal/presence"
	"github.com/tandem-app/tandem/internal/status"
)

var upgrader = websocket.Upgrader{
	// The daemon binds to loopback; clients are local UI processes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the sync core over HTTP for local UI clients.
type Server struct {
	httpServer *http.Server
	listenAddr string
	logger     *zap.Logger

	engine   *syncer.Engine
	pipeline *outbound.Pipeline
	registry *registry.Registry
	cache    *timeline.Cache
	counter  *unread.Counter
	notifier *notify.Notifier
	presence *presence.Tracker
	machine  *status.Machine
	bus      *bus.Bus
}

// NewServer creates the HTTP server bound to the configured address.
func NewServer(
	p Params,
	cfg *config.Config,
	logger *zap.Logger,
	engine *syncer.Engine,
	pipeline *outbound.Pipeline,
	reg *registry.Registry,
	cache *timeline.Cache,
	counter *unread.Counter,
	notifier *notify.Notifier,
	tracker *presence.Tracker,
	machine *status.Machine,
	b *bus.Bus,
) *Server {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	s := &Server{
		listenAddr: addr,
		logger:     logger,
		engine:     engine,
		pipeline:   pipeline,
		registry:   reg,
		cache:      cache,
		counter:    counter,
		notifier:   notifier,
		presence:   tracker,
		machine:    machine,
		bus:        b,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/conversations", s.listConversations)
		v1.GET("/messages/:partner", s.getMessages)
		v1.POST("/messages/text", s.sendText)
		v1.POST("/messages/media", s.sendMedia)
		v1.POST("/messages/audio", s.sendAudio)
		v1.POST("/conversations/:partner/read", s.markRead)
		v1.POST("/active", s.setActive)
		v1.POST("/typing", s.setTyping)
		v1.GET("/unread", s.getUnread)
		v1.GET("/events", s.streamEvents)
	}

	s.httpServer = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.listenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.machine.Current()})
}

type conversationJSON struct {
	PartnerID      string       `json:"partnerId"`
	ConversationID string       `json:"conversationId"`
	Unread         int          `json:"unread"`
	SyncState      string       `json:"syncState"`
	LastMessage    *messageJSON `json:"lastMessage,omitempty"`
}

func (s *Server) listConversations(c *gin.Context) {
	partners := s.registry.Partners()
	out := make([]conversationJSON, 0, len(partners))
	for partnerID, conversationID := range partners {
		cj := conversationJSON{
			PartnerID:      partnerID,
			ConversationID: conversationID,
			Unread:         s.counter.Count(partnerID),
			SyncState:      string(s.engine.State(partnerID)),
		}
		if msgs := s.cache.Messages(partnerID); len(msgs) > 0 {
			last := toMessageJSON(msgs[len(msgs)-1])
			cj.LastMessage = &last
		}
		out = append(out, cj)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (s *Server) getMessages(c *gin.Context) {
	partnerID := c.Param("partner")
	if _, ok := s.registry.ConversationFor(partnerID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown partner"})
		return
	}

	// ?older=1 pulls one more page into the cache before responding.
	if c.Query("older") != "" {
		if err := s.engine.LoadOlder(c.Request.Context(), partnerID); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	msgs := s.cache.Messages(partnerID)
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":         out,
		"reachedBeginning": s.cache.ReachedBeginning(partnerID),
	})
}

type sendTextRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) sendText(c *gin.Context) {
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pipeline.SendText(c.Request.Context(), req.Text)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type sendMediaRequest struct {
	Data      string `json:"data" binding:"required"` // base64
	Thumbnail string `json:"thumbnail"`               // base64, video only
	Kind      string `json:"kind" binding:"required"` // image or video
}

func (s *Server) sendMedia(c *gin.Context) {
	var req sendMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := chat.Kind(req.Kind)
	if kind != chat.KindImage && kind != chat.KindVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be image or video"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid data encoding"})
		return
	}
	var thumbnail []byte
	if req.Thumbnail != "" {
		thumbnail, err = base64.StdEncoding.DecodeString(req.Thumbnail)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thumbnail encoding"})
			return
		}
	}
	s.pipeline.SendMedia(c.Request.Context(), data, thumbnail, kind)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type sendAudioRequest struct {
	Path     string  `json:"path" binding:"required"`
	Duration float64 `json:"duration"`
}

func (s *Server) sendAudio(c *gin.Context) {
	var req sendAudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pipeline.SendAudio(c.Request.Context(), req.Path, req.Duration)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) markRead(c *gin.Context) {
	partnerID := c.Param("partner")
	if err := s.counter.MarkAllRead(c.Request.Context(), partnerID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setActiveRequest struct {
	Partner   string `json:"partner"` // empty = no active conversation
	OnSurface bool   `json:"onSurface"`
}

func (s *Server) setActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetOnMessagingSurface(req.OnSurface)
	if req.Partner == "" {
		s.engine.SetActiveConversation("")
		s.pipeline.SetActive("", "")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	conversationID, ok := s.registry.ConversationFor(req.Partner)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown partner"})
		return
	}
	s.engine.SetActiveConversation(req.Partner)
	s.pipeline.SetActive(req.Partner, conversationID)
	if err := s.counter.MarkAllRead(c.Request.Context(), req.Partner); err != nil {
		s.logger.Warn("mark all read failed", zap.String("partner", req.Partner), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setTypingRequest struct {
	Typing bool `json:"typing"`
}

func (s *Server) setTyping(c *gin.Context) {
	var req setTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.presence.SetTyping(c.Request.Context(), req.Typing); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getUnread(c *gin.Context) {
	perPartner := make(map[string]int)
	for partnerID := range s.registry.Partners() {
		perPartner[partnerID] = s.counter.Count(partnerID)
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     s.counter.Total(),
		"byPartner": perPartner,
	})
}

type eventJSON struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// streamEvents upgrades to a websocket and forwards bus events as JSON.
// The optional ?namespace= query narrows the feed by kind prefix.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(c.Query("namespace"), 64)
	defer unsub()

	// Drain reads so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			out := eventJSON{
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp.UnixMilli(),
				Payload:   evt.Payload,
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type messageJSON struct {
	ID             string  `json:"id"`
	SenderID       string  `json:"senderId"`
	ReceiverID     string  `json:"receiverId"`
	ConversationID string  `json:"conversationId"`
	Timestamp      int64   `json:"timestamp"`
	Kind           string  `json:"kind"`
	Text           string  `json:"text,omitempty"`
	MediaURL       string  `json:"mediaUrl,omitempty"`
	ThumbnailURL   string  `json:"thumbnailUrl,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	Read           bool    `json:"read"`
	Uploaded       bool    `json:"uploaded"`
}

func toMessageJSON(m chat.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ConversationID: m.ConversationID,
		Timestamp:      m.Timestamp,
		Kind:           string(m.Kind),
		Text:           m.TextContent,
		MediaURL:       m.MediaURL,
		ThumbnailURL:   m.ThumbnailURL,
		Duration:       m.Duration,
		Read:           m.Read,
		Uploaded:       m.Uploaded,
	}
}
