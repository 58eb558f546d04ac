package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginsse "github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mazad/engine"
	"mazad/models"
)

const (
	contextKeyUserID   = "userID"
	contextKeyUsername = "username"

	sseKeepAliveInterval = 30 * time.Second
)

// Router builds the HTTP surface. Reads are public; anything that creates or
// mutates state requires an access token.
func (s *ServerImpl) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/properties", s.ListProperties)
		api.GET("/property/:propertyID", s.GetProperty)
		api.GET("/auctions", s.ListAuctions)
		api.GET("/auction/:auctionID", s.GetAuction)
		api.GET("/auction/:auctionID/events", s.StreamAuctionEvents)

		authed := api.Group("", s.RequireAuth)
		{
			authed.POST("/property", s.CreateProperty)
			authed.POST("/auction", s.CreateAuction)
			authed.POST("/auction/:auctionID/bids", s.SubmitBid)
			authed.POST("/auction/:auctionID/settlement", s.ConfirmSettlement)
			authed.POST("/auction/:auctionID/settlement/retry", s.RetrySettlement)
		}
	}
	return router
}

// RequireAuth validates the bearer token and stashes the caller's identity
// in the request context. Subject carries the user id.
func (s *ServerImpl) RequireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token, _ = c.Cookie("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
		return
	}

	claims, err := ParseAndValidateJWT(token, []byte(s.config.Auth.Secret))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}
	if s.config.Auth.Issuer != "" && claims.Issuer != s.config.Auth.Issuer {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}

	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyUsername, claims.Username)
	c.Next()
}

func currentUserID(c *gin.Context) uuid.UUID {
	return c.MustGet(contextKeyUserID).(uuid.UUID)
}

func (s *ServerImpl) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createPropertyRequest struct {
	Title        string `json:"title" binding:"required,max=255"`
	Description  string `json:"description" binding:"required"`
	City         string `json:"city" binding:"required,max=128"`
	PropertyType string `json:"property_type" binding:"required,max=64"`
}

func (s *ServerImpl) CreateProperty(c *gin.Context) {
	var req createPropertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	property := models.Property{
		OwnerID:      currentUserID(c),
		Title:        s.htmlChecker.Sanitize(req.Title),
		Description:  s.htmlChecker.Sanitize(req.Description),
		City:         s.htmlChecker.Sanitize(req.City),
		PropertyType: s.htmlChecker.Sanitize(req.PropertyType),
		Status:       models.PropertyListed,
	}
	if result := s.db.WithContext(c.Request.Context()).Create(&property); result.Error != nil {
		s.logger.Error("Fail to create property", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": property.ID})
}

func (s *ServerImpl) ListProperties(c *gin.Context) {
	query := s.db.WithContext(c.Request.Context()).Model(&models.Property{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if city := c.Query("city"); city != "" {
		query = query.Where("city = ?", city)
	}

	var properties []models.Property
	if result := query.Order("created_at DESC").Limit(listLimit(c)).Find(&properties); result.Error != nil {
		s.logger.Error("Fail to list properties", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": properties})
}

func (s *ServerImpl) GetProperty(c *gin.Context) {
	propertyID, err := uuid.Parse(c.Param("propertyID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	var property models.Property
	if result := s.db.WithContext(c.Request.Context()).First(&property, "id = ?", propertyID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "property not found"})
			return
		}
		s.logger.Error("Fail to load property", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"property": property})
}

type createAuctionRequest struct {
	PropertyID      uuid.UUID `json:"property_id" binding:"required"`
	ReservePrice    uint64    `json:"reserve_price" binding:"required,gt=0"`
	MinIncrement    uint64    `json:"min_increment" binding:"required,gt=0"`
	ScheduledStart  time.Time `json:"scheduled_start" binding:"required"`
	ScheduledEnd    time.Time `json:"scheduled_end" binding:"required"`
	AntiSnipeWindow uint64    `json:"anti_snipe_window_seconds"`
}

func (s *ServerImpl) CreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_end must be after scheduled_start"})
		return
	}
	if !req.ScheduledEnd.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_end must be in the future"})
		return
	}

	sellerID := currentUserID(c)
	auction := models.Auction{
		PropertyID:      req.PropertyID,
		SellerID:        sellerID,
		ReservePrice:    req.ReservePrice,
		MinIncrement:    req.MinIncrement,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		CurrentEnd:      req.ScheduledEnd,
		AntiSnipeWindow: time.Duration(req.AntiSnipeWindow) * time.Second,
		State:           models.AuctionScheduled,
	}

	// The property flips to auction in the same transaction, so a listing can
	// never be the subject of two live auctions.
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var property models.Property
		if result := tx.First(&property, "id = ?", req.PropertyID); result.Error != nil {
			return result.Error
		}
		if property.OwnerID != sellerID {
			return errNotPropertyOwner
		}
		if property.Status != models.PropertyListed {
			return errPropertyNotListed
		}
		if result := tx.Model(&models.Property{}).
			Where("id = ?", req.PropertyID).
			Update("status", models.PropertyAuction); result.Error != nil {
			return result.Error
		}
		return tx.Create(&auction).Error
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"id": auction.ID})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "property not found"})
	case errors.Is(err, errNotPropertyOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "property belongs to another user"})
	case errors.Is(err, errPropertyNotListed):
		c.JSON(http.StatusConflict, gin.H{"error": "property is not available for auction"})
	default:
		s.logger.Error("Fail to create auction", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

var (
	errNotPropertyOwner  = errors.New("property belongs to another user")
	errPropertyNotListed = errors.New("property is not listed")
)

func (s *ServerImpl) ListAuctions(c *gin.Context) {
	query := s.db.WithContext(c.Request.Context()).Model(&models.Auction{})
	if state := c.Query("state"); state != "" {
		query = query.Where("state = ?", state)
	}

	var auctions []models.Auction
	if result := query.Order("scheduled_start ASC").Limit(listLimit(c)).Find(&auctions); result.Error != nil {
		s.logger.Error("Fail to list auctions", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auctions": auctions})
}

func (s *ServerImpl) GetAuction(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	var auction models.Auction
	result := s.db.WithContext(c.Request.Context()).
		Preload("Property").
		First(&auction, "id = ?", auctionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
			return
		}
		s.logger.Error("Fail to load auction", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	high, err := s.engine.CurrentHigh(c.Request.Context(), auctionID)
	if err != nil {
		s.logger.Error("Fail to load current high bid", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	response := gin.H{"auction": auction}
	if high != nil {
		response["current_high"] = gin.H{
			"amount":    high.Amount,
			"seq":       high.Seq,
			"bidder_id": high.BidderID,
		}
		response["min_acceptable"] = high.Amount + auction.MinIncrement
	} else {
		response["min_acceptable"] = auction.ReservePrice
	}
	c.JSON(http.StatusOK, response)
}

type submitBidRequest struct {
	Amount uint64 `json:"amount" binding:"required,gt=0"`
}

func (s *ServerImpl) SubmitBid(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := s.engine.SubmitBid(c.Request.Context(), auctionID, currentUserID(c), req.Amount)
	if err != nil {
		s.writeBidError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"bid_id":      accepted.BidID,
		"seq":         accepted.Seq,
		"amount":      accepted.Amount,
		"current_end": accepted.CurrentEnd,
		"extended":    accepted.Extended,
	})
}

// writeBidError translates the engine's error taxonomy: rejections carry the
// reason back to the bidder, contention and dependency failures are
// retryable, everything else is opaque.
func (s *ServerImpl) writeBidError(c *gin.Context, err error) {
	var rejection *engine.Rejection
	var dependency *engine.DependencyError
	switch {
	case errors.As(err, &rejection):
		switch rejection.Reason {
		case engine.ReasonBidTooLow:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":          "bid too low",
				"reason":         rejection.Reason,
				"min_acceptable": rejection.MinAcceptable,
			})
		case engine.ReasonAlreadyHighBidder:
			c.JSON(http.StatusConflict, gin.H{"error": "already the high bidder", "reason": rejection.Reason})
		default:
			c.JSON(http.StatusForbidden, gin.H{"error": rejection.Error(), "reason": rejection.Reason})
		}
	case errors.Is(err, engine.ErrContended):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auction busy, retry shortly"})
	case errors.As(err, &dependency):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream dependency unavailable"})
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
	default:
		s.logger.Error("Fail to submit bid", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type confirmSettlementRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=captured capture_failed"`
}

// ConfirmSettlement is the payment collaborator's callback with the terminal
// capture outcome. Redeliveries are safe: confirming a settled auction again
// is a no-op.
func (s *ServerImpl) ConfirmSettlement(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	var req confirmSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.engine.ConfirmSettlement(c.Request.Context(), auctionID, req.Outcome == "captured")
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
	case errors.Is(err, engine.ErrAuctionNotFound), errors.Is(err, engine.ErrNoSettlement):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "auction is not awaiting settlement"})
	case errors.Is(err, engine.ErrContended):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auction busy, retry shortly"})
	default:
		s.logger.Error("Fail to confirm settlement", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *ServerImpl) RetrySettlement(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}

	var auction models.Auction
	if result := s.db.WithContext(c.Request.Context()).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
			return
		}
		s.logger.Error("Fail to load auction", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if auction.SellerID != currentUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the seller may retry settlement"})
		return
	}

	settlement, err := s.engine.RetrySettlement(c.Request.Context(), auctionID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"settlement_id": settlement.ID,
			"status":        settlement.Status,
			"attempts":      settlement.Attempts,
		})
	case errors.Is(err, engine.ErrAuctionNotFound), errors.Is(err, engine.ErrNoSettlement):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement cannot be retried in this state"})
	case errors.Is(err, engine.ErrContended):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auction busy, retry shortly"})
	default:
		s.logger.Error("Fail to retry settlement", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// StreamAuctionEvents serves the auction's event log. With an event-stream
// Accept header it streams over SSE, replaying from the caller's cursor and
// then following live; otherwise it answers one JSON page for poll-style
// consumers. The cursor is the last seen event_id, from the Last-Event-ID
// header or the after query parameter.
func (s *ServerImpl) StreamAuctionEvents(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	if result := s.db.WithContext(c.Request.Context()).
		First(&models.Auction{}, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
			return
		}
		s.logger.Error("Fail to load auction", slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	after := eventCursor(c)
	if !strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		events, err := s.fanout.Events(c.Request.Context(), auctionID, after)
		if err != nil {
			s.logger.Error("Fail to load events", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		next := after
		if len(events) > 0 {
			next = events[len(events)-1].EventID
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "next_after": next})
		return
	}

	stream, cancel, err := s.fanout.Subscribe(c.Request.Context(), auctionID, after)
	if err != nil {
		s.logger.Error("Fail to subscribe to auction events", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			// The id field feeds the browser's Last-Event-ID on reconnect.
			c.Render(-1, ginsse.Event{
				Id:    strconv.FormatUint(event.EventID, 10),
				Event: event.Kind,
				Data:  event,
			})
			c.Writer.Flush()
		case <-keepAlive.C:
			// Comment frame keeps intermediaries from timing the stream out.
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func eventCursor(c *gin.Context) uint64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
