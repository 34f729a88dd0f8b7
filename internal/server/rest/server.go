// Package rest 对外 HTTP 管理与交易接口。
package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-core/internal/audit"
	"margin-core/pkg/matching"
	"margin-core/pkg/orderbook"
	"margin-core/pkg/position"
	"margin-core/pkg/routing"
	"margin-core/pkg/trading"
	"margin-core/pkg/types"
)

// Server HTTP服务器
type Server struct {
	processor   *trading.Processor
	routes      *routing.RoutesManager
	marketMaker *matching.MarketMakerEngine
	keeper      *position.Keeper
	audit       *audit.AuditLogger
	logger      *zap.Logger
}

// NewServer 创建HTTP服务器
func NewServer(processor *trading.Processor, routes *routing.RoutesManager,
	marketMaker *matching.MarketMakerEngine, keeper *position.Keeper,
	auditLogger *audit.AuditLogger, logger *zap.Logger) *Server {
	return &Server{
		processor:   processor,
		routes:      routes,
		marketMaker: marketMaker,
		keeper:      keeper,
		audit:       auditLogger,
		logger:      logger,
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/orders", s.placeOrder)
		api.DELETE("/orders/:id", s.cancelOrder)
		api.GET("/orders/pending", s.listPendingOrders)

		api.GET("/positions", s.listPositions)
		api.POST("/positions/:id/close", s.closePosition)
		api.POST("/positions/:id/liquidate", s.liquidatePosition)
		api.POST("/positions/close-group", s.closePositionGroup)

		api.GET("/routes", s.listRoutes)
		api.POST("/routes", s.upsertRoute)
		api.DELETE("/routes/:id", s.deleteRoute)
		api.GET("/routes/resolve", s.resolveRoute)

		api.GET("/book/:instrument", s.bookSnapshot)
		api.POST("/marketmaker/orders", s.setMarketMakerOrders)
		api.POST("/marketmaker/pause", s.pauseMarketMaker)
		api.POST("/marketmaker/resume", s.resumeMarketMaker)
	}
	return router
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	OrderID            string          `json:"order_id"`
	AccountID          string          `json:"account_id" binding:"required"`
	ClientID           string          `json:"client_id" binding:"required"`
	TradingConditionID string          `json:"trading_condition_id"`
	Instrument         string          `json:"instrument" binding:"required"`
	Volume             decimal.Decimal `json:"volume"`
	Type               string          `json:"type"`
	MatchingMode       string          `json:"matching_mode"`
	ExpectedOpenPrice  decimal.Decimal `json:"expected_open_price"`
	TrailingDistance   decimal.Decimal `json:"trailing_distance"`
	ParentPositionID   string          `json:"parent_position_id"`
}

func parseOrderType(s string) (types.OrderType, bool) {
	switch s {
	case "", "MARKET":
		return types.OrderTypeMarket, true
	case "LIMIT":
		return types.OrderTypeLimit, true
	case "STOP":
		return types.OrderTypeStop, true
	case "TAKE_PROFIT":
		return types.OrderTypeTakeProfit, true
	case "STOP_LOSS":
		return types.OrderTypeStopLoss, true
	case "TRAILING_STOP":
		return types.OrderTypeTrailingStop, true
	default:
		return 0, false
	}
}

func parseMatchingMode(s string) (types.MatchingMode, bool) {
	switch s {
	case "", "MARKET_MAKER":
		return types.MatchingModeMarketMaker, true
	case "STP":
		return types.MatchingModeStp, true
	default:
		return 0, false
	}
}

func (s *Server) placeOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orderType, ok := parseOrderType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown order type: " + req.Type})
		return
	}
	mode, ok := parseMatchingMode(req.MatchingMode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown matching mode: " + req.MatchingMode})
		return
	}

	order := types.NewOrder(req.OrderID, req.AccountID, req.ClientID,
		req.TradingConditionID, req.Instrument, req.Volume, orderType, mode)
	order.ExpectedOpenPrice = req.ExpectedOpenPrice
	order.TrailingDistance = req.TrailingDistance
	order.ParentPositionID = req.ParentPositionID

	result, err := s.processor.PlaceOrder(c.Request.Context(), order)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.audit != nil {
		s.audit.LogOrderPlaced(order.AccountID, order.Instrument, order.OrderID, map[string]interface{}{
			"volume": order.Volume.String(),
			"type":   order.Type.String(),
			"status": result.Status.String(),
		})
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID := c.Param("id")
	order, err := s.processor.CancelOrder(orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if s.audit != nil {
		s.audit.LogOrderCancel(order.AccountID, order.Instrument, order.OrderID, true, "")
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listPendingOrders(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	c.JSON(http.StatusOK, s.processor.Pending().GetByAccount(accountID))
}

func (s *Server) listPositions(c *gin.Context) {
	accountID := c.Query("account_id")
	instrument := c.Query("instrument")
	positions := s.keeper.Select(func(p *position.Position) bool {
		if accountID != "" && p.AccountID != accountID {
			return false
		}
		if instrument != "" && p.Instrument != instrument {
			return false
		}
		return true
	})
	c.JSON(http.StatusOK, positions)
}

// ClosePositionRequest 平仓请求
type ClosePositionRequest struct {
	Originator string `json:"originator"`
	Reason     string `json:"reason"`
}

func parseOriginator(s string) position.Originator {
	switch s {
	case "SYSTEM":
		return position.OriginatorSystem
	case "ON_BEHALF":
		return position.OriginatorOnBehalf
	default:
		return position.OriginatorInvestor
	}
}

func (s *Server) closePosition(c *gin.Context) {
	var req ClosePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pos, err := s.processor.ClosePosition(c.Request.Context(), c.Param("id"),
		parseOriginator(req.Originator), req.Reason)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if s.audit != nil {
		s.audit.LogPositionClosed(pos.AccountID, pos.Instrument, pos.PositionID,
			pos.CloseOriginator.String(), map[string]interface{}{
				"close_price": pos.Fpl.ClosePrice.String(),
			})
	}
	c.JSON(http.StatusOK, pos)
}

// LiquidateRequest 特殊清算请求
type LiquidateRequest struct {
	Price           decimal.Decimal `json:"price" binding:"required"`
	ProviderID      string          `json:"provider_id" binding:"required"`
	ExternalOrderID string          `json:"external_order_id" binding:"required"`
}

func (s *Server) liquidatePosition(c *gin.Context) {
	var req LiquidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pos, err := s.processor.LiquidatePosition(c.Request.Context(), c.Param("id"),
		req.Price, req.ProviderID, req.ExternalOrderID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if s.audit != nil {
		s.audit.LogPositionClosed(pos.AccountID, pos.Instrument, pos.PositionID,
			pos.CloseOriginator.String(), map[string]interface{}{
				"close_price": pos.Fpl.ClosePrice.String(),
				"liquidation": true,
			})
	}
	c.JSON(http.StatusOK, pos)
}

// CloseGroupRequest 组平仓请求
type CloseGroupRequest struct {
	Instrument string `json:"instrument"`
	AccountID  string `json:"account_id"`
	Direction  string `json:"direction"`
	Originator string `json:"originator"`
	Reason     string `json:"reason"`
}

func (s *Server) closePositionGroup(c *gin.Context) {
	var req CloseGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	direction := types.DirectionAny
	switch req.Direction {
	case "BUY":
		direction = types.DirectionBuy
	case "SELL":
		direction = types.DirectionSell
	}

	closed := s.processor.ClosePositionGroup(c.Request.Context(), req.Instrument,
		req.AccountID, direction, parseOriginator(req.Originator), req.Reason)
	c.JSON(http.StatusOK, gin.H{"closed": closed, "count": len(closed)})
}

func (s *Server) listRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, s.routes.GetAll())
}

func (s *Server) upsertRoute(c *gin.Context) {
	var route types.MatchingEngineRoute
	if err := c.ShouldBindJSON(&route); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.routes.AddOrReplace(c.Request.Context(), &route); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if s.audit != nil {
		s.audit.LogRouteChange("UPSERT", route.RouteID, map[string]interface{}{
			"matching_engine_id": route.MatchingEngineID,
			"rank":               route.Rank,
		})
	}
	c.JSON(http.StatusOK, &route)
}

func (s *Server) deleteRoute(c *gin.Context) {
	routeID := c.Param("id")
	if err := s.routes.DeleteRoute(c.Request.Context(), routeID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if s.audit != nil {
		s.audit.LogRouteChange("DELETE", routeID, nil)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resolveRoute(c *gin.Context) {
	direction := types.DirectionAny
	switch c.Query("direction") {
	case "BUY":
		direction = types.DirectionBuy
	case "SELL":
		direction = types.DirectionSell
	}
	route := s.processor.QueryRoute(c.Query("client_id"), c.Query("trading_condition_id"),
		c.Query("instrument"), direction)
	if route == nil {
		c.JSON(http.StatusOK, gin.H{"route": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"route": route})
}

func (s *Server) bookSnapshot(c *gin.Context) {
	depth := 20
	snapshot := s.marketMaker.GetOrderBookSnapshot(c.Param("instrument"), depth)
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order book for instrument"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// SetOrdersRequest 做市商批量下发请求
type SetOrdersRequest struct {
	MarketMakerID    string                  `json:"market_maker_id" binding:"required"`
	OrdersToAdd      []*orderbook.LimitOrder `json:"orders_to_add"`
	OrderIDsToDelete []string                `json:"order_ids_to_delete"`
	DeleteAllBuy     bool                    `json:"delete_all_buy"`
	DeleteAllSell    bool                    `json:"delete_all_sell"`
}

func (s *Server) setMarketMakerOrders(c *gin.Context) {
	var req SetOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.marketMaker.SetOrders(&matching.SetOrdersModel{
		MarketMakerID:    req.MarketMakerID,
		OrdersToAdd:      req.OrdersToAdd,
		OrderIDsToDelete: req.OrderIDsToDelete,
		DeleteAllBuy:     req.DeleteAllBuy,
		DeleteAllSell:    req.DeleteAllSell,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseMarketMaker(c *gin.Context) {
	s.marketMaker.Pause()
	if s.audit != nil {
		s.audit.LogAdminAction("PAUSE", s.marketMaker.ID(), nil, true, "")
	}
	c.JSON(http.StatusOK, gin.H{"engine_id": s.marketMaker.ID(), "paused": true})
}

func (s *Server) resumeMarketMaker(c *gin.Context) {
	s.marketMaker.Resume()
	if s.audit != nil {
		s.audit.LogAdminAction("RESUME", s.marketMaker.ID(), nil, true, "")
	}
	c.JSON(http.StatusOK, gin.H{"engine_id": s.marketMaker.ID(), "paused": false})
}
