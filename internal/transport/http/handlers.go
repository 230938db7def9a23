package http

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/parley/parley/internal/chat"
	"github.com/parley/parley/internal/domain"
	"github.com/parley/parley/internal/store"
)

const invitationTTL = 7 * 24 * time.Hour

type Handlers struct {
	Store     *store.Store
	Coord     *chat.Coordinator
	JWTSecret string
	ClientURL string
}

// POST /api/register
func (h *Handlers) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	exists, err := h.Store.UserExists(req.Username, req.Email)
	if err != nil {
		h.serverError(c, err, "Registration failed")
		return
	}
	if exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username or email already exists"})
		return
	}

	user, err := domain.NewUser(req.Username, req.Email)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.serverError(c, err, "Registration failed")
		return
	}
	if err := h.Store.CreateUser(*user, string(hash)); err != nil {
		h.serverError(c, err, "Registration failed")
		return
	}

	token, err := issueToken(h.JWTSecret, user.ID, user.Username)
	if err != nil {
		h.serverError(c, err, "Registration failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// POST /api/login
func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	user, hash, err := h.Store.UserByUsername(req.Username)
	if err != nil {
		h.serverError(c, err, "Login failed")
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := issueToken(h.JWTSecret, user.ID, user.Username)
	if err != nil {
		h.serverError(c, err, "Login failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// GET /api/profile
func (h *Handlers) Profile(c *gin.Context) {
	user, _, err := h.Store.UserByID(callerID(c))
	if err != nil {
		h.serverError(c, err, "Failed to get profile")
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// POST /api/rooms
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room name is required"})
		return
	}

	room := domain.Room{
		ID:          domain.RoomID(uuid.NewString()),
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   callerID(c),
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateRoom(room); err != nil {
		h.serverError(c, err, "Failed to create room")
		return
	}
	// The creator is a participant from the start.
	if err := h.Store.AddParticipant(room.ID, room.CreatedBy); err != nil {
		h.serverError(c, err, "Failed to create room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// GET /api/rooms
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.Store.RoomsForUser(callerID(c))
	if err != nil {
		h.serverError(c, err, "Failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GET /api/rooms/:roomId
func (h *Handlers) RoomDetails(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	if !h.requireParticipant(c, roomID) {
		return
	}

	room, err := h.Store.RoomByID(roomID)
	if err != nil {
		h.serverError(c, err, "Failed to get room")
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	participants, err := h.Store.Participants(roomID)
	if err != nil {
		h.serverError(c, err, "Failed to get room")
		return
	}
	if participants == nil {
		participants = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "participants": participants})
}

// POST /api/rooms/:roomId/invite
func (h *Handlers) InviteUser(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	var req struct {
		Username string `json:"username"`
	}
	if err := c.BindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username is required"})
		return
	}
	if !h.requireParticipant(c, roomID) {
		return
	}

	user, _, err := h.Store.UserByUsername(req.Username)
	if err != nil {
		h.serverError(c, err, "Failed to invite user")
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	// An existing account joins directly; inviting twice is a no-op.
	if err := h.Store.AddParticipant(roomID, user.ID); err != nil {
		h.serverError(c, err, "Failed to invite user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User invited successfully"})
}

// GET /api/rooms/:roomId/invitations
func (h *Handlers) RoomInvitations(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	if !h.requireParticipant(c, roomID) {
		return
	}

	invitations, err := h.Store.PendingInvitations(roomID)
	if err != nil {
		h.serverError(c, err, "Failed to get invitations")
		return
	}
	if invitations == nil {
		invitations = []domain.Invitation{}
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invitations})
}

// GET /api/rooms/:roomId/messages
func (h *Handlers) RoomMessages(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	if !h.requireParticipant(c, roomID) {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.Store.MessagesPage(roomID, limit, offset)
	if err != nil {
		h.serverError(c, err, "Failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// POST /api/rooms/:roomId/summary
func (h *Handlers) RoomSummary(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	if !h.requireParticipant(c, roomID) {
		return
	}

	summary, err := h.Coord.Summarize(c.Request.Context(), roomID)
	if err != nil {
		h.serverError(c, err, "Failed to generate summary")
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// POST /api/rooms/:roomId/invite-email
func (h *Handlers) InviteByEmail(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	var req struct {
		Email string `json:"email"`
	}
	if err := c.BindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email is required"})
		return
	}
	if !h.requireParticipant(c, roomID) {
		return
	}

	room, err := h.Store.RoomByID(roomID)
	if err != nil {
		h.serverError(c, err, "Failed to create invitation")
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		h.serverError(c, err, "Failed to create invitation")
		return
	}
	inv := domain.Invitation{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Email:     req.Email,
		InvitedBy: callerID(c),
		Token:     hex.EncodeToString(buf),
		ExpiresAt: time.Now().UTC().Add(invitationTTL),
	}
	if err := h.Store.CreateInvitation(inv); err != nil {
		h.serverError(c, err, "Failed to create invitation")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Invitation created successfully",
		"invitationUrl": h.ClientURL + "/join/" + inv.Token,
		"expiresAt":     inv.ExpiresAt.Format(time.RFC3339),
	})
}

// GET /api/invitations/:token
func (h *Handlers) Invitation(c *gin.Context) {
	inv, err := h.Store.InvitationByToken(c.Param("token"))
	if err != nil {
		h.serverError(c, err, "Failed to get invitation")
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid or expired invitation"})
		return
	}
	room, err := h.Store.RoomByID(inv.RoomID)
	if err != nil {
		h.serverError(c, err, "Failed to get invitation")
		return
	}
	resp := gin.H{"invitation": inv}
	if room != nil {
		resp["room"] = room
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/invitations/:token/accept
func (h *Handlers) AcceptInvitation(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	inv, err := h.Store.InvitationByToken(c.Param("token"))
	if err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid or expired invitation"})
		return
	}

	exists, err := h.Store.UserExists(req.Username, inv.Email)
	if err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	if exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username or email already exists"})
		return
	}

	user, err := domain.NewUser(req.Username, inv.Email)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	if err := h.Store.CreateUser(*user, string(hash)); err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	if err := h.Store.AddParticipant(inv.RoomID, user.ID); err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	if err := h.Store.MarkInvitationUsed(inv.ID); err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}

	token, err := issueToken(h.JWTSecret, user.ID, user.Username)
	if err != nil {
		h.serverError(c, err, "Failed to accept invitation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user, "roomId": inv.RoomID})
}

func (h *Handlers) requireParticipant(c *gin.Context, roomID domain.RoomID) bool {
	ok, err := h.Store.IsParticipant(roomID, callerID(c))
	if err != nil {
		h.serverError(c, err, "Failed to check access")
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return false
	}
	return true
}

func (h *Handlers) serverError(c *gin.Context, err error, msg string) {
	log.Error().Err(err).Str("module", "http").Str("path", c.FullPath()).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
