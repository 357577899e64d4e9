package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dkeye/voiceroom/internal/adapters/signal"
	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ctx      context.Context
	registry *app.Registry
	signals  *signal.Server
}

type signalQuery struct {
	RoomID  string `form:"roomId" binding:"required,max=128"`
	PeerID  string `form:"peerId" binding:"omitempty,max=128"`
	Consume *bool  `form:"consume"`
}

func (h *handlers) ws(c *gin.Context) {
	var q signalQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	peerID := q.PeerID
	if peerID == "" {
		peerID = c.GetString(clientTokenKey)
	}
	consume := q.Consume == nil || *q.Consume

	log.Info().Str("module", "adapters.http").Str("room", q.RoomID).Str("peer", peerID).Msg("ws signal endpoint hit")
	h.signals.Upgrade(h.ctx, c.Writer, c.Request, domain.RoomID(q.RoomID), domain.PeerID(peerID), consume)
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.registry.List()})
}

type roomReply struct {
	session.Status
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

func (h *handlers) getRoom(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, roomReply{Status: room.Status(), RTPCapabilities: room.Router().RTPCapabilities()})
}

func (h *handlers) destroyRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("roomId"))
	if !h.registry.Destroy(id) {
		fail(c, fmt.Errorf("room %q: %w", id, domain.ErrNotFound))
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Msg("room destroyed")
	c.Status(http.StatusNoContent)
}

func (h *handlers) createBroadcaster(c *gin.Context) {
	var q session.CreateBroadcasterRequest
	if !bind(c, &q) {
		return
	}
	room, err := h.registry.GetOrCreate(c.Request.Context(), domain.RoomID(c.Param("roomId")))
	if err != nil {
		fail(c, err)
		return
	}
	reply, err := room.CreateBroadcaster(q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *handlers) deleteBroadcaster(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.DeleteBroadcaster(broadcasterID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handlers) createTransport(c *gin.Context) {
	var q session.CreateBroadcasterTransportRequest
	if !bind(c, &q) {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	params, err := room.CreateBroadcasterTransport(c.Request.Context(), broadcasterID(c), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, params)
}

func (h *handlers) connectTransport(c *gin.Context) {
	var q media.ConnectParameters
	if !bind(c, &q) {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.ConnectBroadcasterTransport(c.Request.Context(), broadcasterID(c), c.Param("transportId"), q); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handlers) createProducer(c *gin.Context) {
	var q session.CreateBroadcasterProducerRequest
	if !bind(c, &q) {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	id, err := room.CreateBroadcasterProducer(c.Request.Context(), broadcasterID(c), c.Param("transportId"), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

type consumeQuery struct {
	ProducerID string `form:"producerId" binding:"required"`
}

func (h *handlers) createConsumer(c *gin.Context) {
	var q consumeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	consumer, err := room.CreateBroadcasterConsumer(c.Request.Context(), broadcasterID(c), c.Param("transportId"), q.ProducerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, consumer)
}

type consumeDataQuery struct {
	DataProducerID string `form:"dataProducerId" binding:"required"`
}

func (h *handlers) createDataConsumer(c *gin.Context) {
	var q consumeDataQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	dataConsumer, err := room.CreateBroadcasterDataConsumer(c.Request.Context(), broadcasterID(c), c.Param("transportId"), q.DataProducerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dataConsumer)
}

func (h *handlers) createDataProducer(c *gin.Context) {
	var q session.CreateBroadcasterDataProducerRequest
	if !bind(c, &q) {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	id, err := room.CreateBroadcasterDataProducer(c.Request.Context(), broadcasterID(c), c.Param("transportId"), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *handlers) room(c *gin.Context) (*session.Room, bool) {
	id := domain.RoomID(c.Param("roomId"))
	room, ok := h.registry.Get(id)
	if !ok {
		fail(c, fmt.Errorf("room %q: %w", id, domain.ErrNotFound))
		return nil, false
	}
	return room, true
}

func broadcasterID(c *gin.Context) domain.PeerID {
	return domain.PeerID(c.Param("broadcasterId"))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return false
	}
	return true
}

func fail(c *gin.Context, err error) {
	code := domain.Code(err)
	ev := log.Warn()
	if code >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("method", c.Request.Method).Str("path", c.FullPath()).Int("status", code).Msg("request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
