package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/db"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/ws"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

type API struct {
	hub       *ws.Hub
	database  *db.Database
	publicURL string
	log       logrus.FieldLogger
}

// database may be nil, in which case history endpoints answer 503
func New(hub *ws.Hub, database *db.Database, publicURL string, log logrus.FieldLogger) *API {
	return &API{
		hub:       hub,
		database:  database,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.WithField("component", "api"),
	}
}

// Mounts every route on r
func (a *API) Register(r gin.IRouter) {
	r.GET("/health", a.HealthHandler)
	r.GET("/ws", a.WebSocketHandler)

	api := r.Group("/api")
	{
		api.GET("/stats", a.StatsHandler)
		api.GET("/history", a.ListHistoryHandler)
		api.GET("/rooms", a.ListRoomsHandler)
		api.POST("/rooms", a.CreateRoomHandler)
		api.GET("/rooms/:id", a.GetRoomHandler)
		api.GET("/rooms/:id/qr", a.RoomQRHandler)
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	stats := gin.H{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err != nil {
			a.log.WithError(err).Warn("Failed to read history stats")
		} else {
			stats["total_sessions"] = dbStats.TotalSessions
			stats["total_commits"] = dbStats.TotalCommits
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) WebSocketHandler(c *gin.Context) {
	ws.ServeWs(a.hub, c.Writer, c.Request)
}

// Room handlers

type CreateRoomRequest struct {
	ID string `json:"id"`
}

type CreateRoomResponse struct {
	RoomID    string `json:"room_id"`
	InviteURL string `json:"invite_url"`
	WSURL     string `json:"ws_url"`
	QRURL     string `json:"qr_url"`
}

type RoomResponse struct {
	room.Info
	MemberIDs []string `json:"member_ids"`
}

func (a *API) ListRoomsHandler(c *gin.Context) {
	rooms := a.hub.Registry().Rooms()

	response := make([]room.Info, 0, len(rooms))
	for _, r := range rooms {
		if r.Closed() {
			continue
		}
		response = append(response, r.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": response,
		"count": len(response),
	})
}

func (a *API) GetRoomHandler(c *gin.Context) {
	r, ok := a.hub.Registry().Get(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "Room not found")
		return
	}

	var resp RoomResponse
	live := r.Do(func(tx *room.Tx) {
		resp.MemberIDs = tx.Members()
	})
	if !live {
		errorResponse(c, http.StatusNotFound, "Room not found")
		return
	}
	resp.Info = r.Info()

	c.JSON(http.StatusOK, resp)
}

// Hands out a room id and its invite links. The room itself is created by
// the first websocket join.
func (a *API) CreateRoomHandler(c *gin.Context) {
	var req CreateRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	roomID := req.ID
	if roomID == "" {
		roomID = newRoomToken()
	}
	if !protocol.ValidRoomID(roomID) {
		errorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}

	c.JSON(http.StatusCreated, CreateRoomResponse{
		RoomID:    roomID,
		InviteURL: a.inviteURL(roomID),
		WSURL:     a.wsURL(roomID),
		QRURL:     a.publicURL + "/api/rooms/" + roomID + "/qr",
	})
}

func (a *API) RoomQRHandler(c *gin.Context) {
	roomID := c.Param("id")
	if !protocol.ValidRoomID(roomID) {
		errorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}

	size := defaultQRSize
	if s := c.Query("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < minQRSize || n > maxQRSize {
			errorResponse(c, http.StatusBadRequest, "Invalid size")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(a.inviteURL(roomID), qrcode.Medium, size)
	if err != nil {
		a.log.WithError(err).WithField("room_id", roomID).Error("Failed to generate QR")
		errorResponse(c, http.StatusInternalServerError, "Failed to generate QR")
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

// History handlers

func (a *API) ListHistoryHandler(c *gin.Context) {
	if a.database == nil {
		errorResponse(c, http.StatusServiceUnavailable, "History disabled")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	var (
		sessions []db.RoomSession
		err      error
	)
	if roomID := c.Query("room"); roomID != "" {
		sessions, err = a.database.GetRoomSessions(roomID, limit, offset)
	} else {
		sessions, err = a.database.ListRoomSessions(limit, offset)
	}
	if err != nil {
		a.log.WithError(err).Error("Failed to list history")
		errorResponse(c, http.StatusInternalServerError, "Failed to list history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) inviteURL(roomID string) string {
	return a.publicURL + "/?room=" + roomID
}

func (a *API) wsURL(roomID string) string {
	base := a.publicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?room=" + roomID
}

// Short, URL-safe room id
func newRoomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
