package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lotto-service/internal/middleware"
	"lotto-service/internal/service"
	"lotto-service/internal/service/token"
	"lotto-service/internal/ticket"
	"lotto-service/internal/ws"
	pkgAuth "lotto-service/pkg/auth"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Round)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/lottoService/v1")
	{
		v1.GET("/rounds/:id", handler.GetRound)
		v1.GET("/jackpot", handler.GetJackpot)
		v1.GET("/bets/:id", handler.GetBet)

		// Claims are open: anyone may settle a bet, the payout always
		// goes to the bet's recorded owner.
		v1.POST("/bets/:id/claim", handler.ClaimBet)
		v1.POST("/claims", handler.ClaimAll)

		betGroup := v1.Group("/bets")
		betGroup.Use(middleware.AuthRequired())
		{
			betGroup.POST("", handler.PlaceBet)
			betGroup.POST("/quick", handler.QuickPick)
			betGroup.GET("", handler.ListMyBets)
			betGroup.PUT("/:id/tickets", handler.EditTicket)
			betGroup.POST("/:id/transfer", handler.TransferBet)
		}

		playerGroup := v1.Group("/player")
		playerGroup.Use(middleware.AuthRequired())
		{
			playerGroup.GET("/balance", handler.GetBalance)
		}
	}

	operatorGroup := r.Group("/operator")
	{
		operatorGroup.POST("/auth/login", handler.OperatorLogin)

		protected := operatorGroup.Group("/")
		protected.Use(middleware.OperatorAuthRequired())
		{
			protected.POST("/rounds", handler.CreateRound)
			protected.PUT("/rounds/:id/finish", handler.UpdateRoundFinish)
			protected.POST("/rounds/:id/request-randomness", handler.RequestRandomness)
			protected.POST("/rounds/:id/jackpot", handler.ProcessJackpot)
			protected.POST("/rounds/:id/refund/start", handler.StartRefund)
			protected.POST("/rounds/:id/refund", handler.RefundBatch)
			protected.POST("/rounds/:id/recover", handler.StartRecover)

			protected.POST("/pool/deposit", handler.PoolDeposit)
			protected.GET("/pool", handler.PoolBalance)
			protected.POST("/oracle/fund", handler.OracleFund)
			protected.GET("/oracle", handler.OracleBalance)

			protected.POST("/players/:id/credit", handler.CreditPlayer)
			protected.POST("/players/:id/token", handler.IssuePlayerToken)
		}
	}

	// Randomness provider callback.
	r.POST("/oracle/fulfill", handler.OracleFulfill)

	r.GET("/ws/round/:roundId", wsHandler.HandleRoundWS)
}

type ticketBody struct {
	Symbol  uint8 `json:"symbol" binding:"required,min=1,max=5"`
	Numbers []int `json:"numbers" binding:"required,len=5"`
}

type placeBetBody struct {
	RoundID int64        `json:"roundId" binding:"required,min=1"`
	Amount  int64        `json:"amount" binding:"required,min=1"`
	Tickets []ticketBody `json:"tickets" binding:"required,min=1,dive"`
}

type quickPickBody struct {
	RoundID int64 `json:"roundId" binding:"required,min=1"`
	Count   int   `json:"count" binding:"required,min=1"`
}

type editTicketBody struct {
	Tickets []ticketBody `json:"tickets" binding:"required,min=1,dive"`
}

type transferBetBody struct {
	NewOwnerID int64 `json:"newOwnerId" binding:"required,min=1"`
}

type claimAllBody struct {
	BetIDs []int64 `json:"betIds" binding:"required,min=1"`
}

type operatorLoginBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createRoundBody struct {
	FinishAt string `json:"finishAt" binding:"required"`
}

type updateFinishBody struct {
	FinishAt string `json:"finishAt" binding:"required"`
}

type refundBatchBody struct {
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit" binding:"required,min=1"`
}

type amountBody struct {
	Amount int64 `json:"amount" binding:"required,min=1"`
}

type oracleFulfillBody struct {
	RequestID int64     `json:"requestId" binding:"required,min=1"`
	Words     [6]uint64 `json:"words"`
}

func toTickets(bodies []ticketBody) ([]ticket.Ticket, error) {
	tickets := make([]ticket.Ticket, 0, len(bodies))
	for _, b := range bodies {
		mask, err := ticket.MaskFromNumbers(b.Numbers)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket.Ticket{Symbol: b.Symbol, Numbers: mask})
	}
	return tickets, nil
}

func (h *Handler) GetRound(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	round, err := h.services.Round.Get(c.Request.Context(), roundID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, round)
}

func (h *Handler) GetJackpot(c *gin.Context) {
	jackpot, err := h.services.Lottery.Jackpot(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"additionalJackpot": jackpot})
}

func (h *Handler) GetBet(c *gin.Context) {
	betID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid bet id")
		return
	}

	bet, err := h.services.Bet.Get(c.Request.Context(), betID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, bet)
}

func (h *Handler) PlaceBet(c *gin.Context) {
	var body placeBetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	tickets, err := toTickets(body.Tickets)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	bet, err := h.services.Lottery.PlaceBet(c.Request.Context(), playerID, body.RoundID, body.Amount, tickets)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"betId": bet.ID, "amount": bet.Amount})
}

func (h *Handler) QuickPick(c *gin.Context) {
	var body quickPickBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	bet, err := h.services.Lottery.QuickPick(c.Request.Context(), playerID, body.RoundID, body.Count)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"betId": bet.ID, "amount": bet.Amount})
}

func (h *Handler) ListMyBets(c *gin.Context) {
	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	page, err := parsePositiveIntQuery(c, "page", 1)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	size, err := parsePositiveIntQuery(c, "size", 20)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.services.Bet.ListByOwner(c.Request.Context(), playerID, page, size)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items": result.Items,
		"total": result.Total,
		"page":  page,
		"size":  size,
	})
}

func (h *Handler) EditTicket(c *gin.Context) {
	betID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid bet id")
		return
	}

	var body editTicketBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	tickets, err := toTickets(body.Tickets)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.services.Lottery.EditTicket(c.Request.Context(), playerID, betID, tickets); err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.SuccessWithMsg(c, gin.H{}, "tickets updated")
}

func (h *Handler) TransferBet(c *gin.Context) {
	betID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid bet id")
		return
	}

	var body transferBetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.services.Ownership.Transfer(c.Request.Context(), playerID, betID, body.NewOwnerID); err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.SuccessWithMsg(c, gin.H{}, "bet transferred")
}

func (h *Handler) ClaimBet(c *gin.Context) {
	betID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid bet id")
		return
	}

	result, err := h.services.Lottery.Claim(c.Request.Context(), betID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) ClaimAll(c *gin.Context) {
	var body claimAllBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	items := h.services.Lottery.ClaimAll(c.Request.Context(), body.BetIDs)
	response.Success(c, gin.H{"items": items})
}

func (h *Handler) GetBalance(c *gin.Context) {
	playerID, ok := getPlayerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.services.Token.BalanceOf(c.Request.Context(), token.PlayerAddress(playerID))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"balance": balance})
}

func (h *Handler) OperatorLogin(c *gin.Context) {
	var body operatorLoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.services.Operator.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, appErr.ErrOperatorNotFound), errors.Is(err, appErr.ErrInvalidOperatorLogin):
			status = http.StatusUnauthorized
		case errors.Is(err, appErr.ErrOperatorDisabled):
			status = http.StatusForbidden
		}
		response.Error(c, status, err.Error())
		return
	}
	response.Success(c, resp)
}

func (h *Handler) CreateRound(c *gin.Context) {
	var body createRoundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	finishAt, err := parseTimeWithLayouts(body.FinishAt)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	round, err := h.services.Lottery.CreateRound(c.Request.Context(), *finishAt)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"roundId": round.ID, "finishAt": round.FinishAt})
}

func (h *Handler) UpdateRoundFinish(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	var body updateFinishBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	finishAt, err := parseTimeWithLayouts(body.FinishAt)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	round, err := h.services.Round.UpdateFinish(c.Request.Context(), roundID, *finishAt)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, round)
}

func (h *Handler) RequestRandomness(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	round, err := h.services.Round.RequestRandomness(c.Request.Context(), roundID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"requestId": round.RequestID, "status": round.Status})
}

func (h *Handler) ProcessJackpot(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	autoClaim, err := h.services.Lottery.ProcessJackpot(c.Request.Context(), roundID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"autoClaim": autoClaim})
}

func (h *Handler) StartRefund(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	round, err := h.services.Round.StartRefund(c.Request.Context(), roundID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"status": round.Status})
}

func (h *Handler) RefundBatch(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	var body refundBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	refunded, err := h.services.Round.Refund(c.Request.Context(), roundID, body.Offset, body.Limit)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"refunded": refunded})
}

func (h *Handler) StartRecover(c *gin.Context) {
	roundID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid round id")
		return
	}

	round, err := h.services.Round.StartRecover(c.Request.Context(), roundID)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{"status": round.Status})
}

func (h *Handler) PoolDeposit(c *gin.Context) {
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.services.Pool.Deposit(c.Request.Context(), body.Amount); err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessWithMsg(c, gin.H{}, "pool funded")
}

func (h *Handler) PoolBalance(c *gin.Context) {
	balance, err := h.services.Pool.Balance(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"balance": balance})
}

func (h *Handler) OracleFund(c *gin.Context) {
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.services.Oracle.Fund(c.Request.Context(), body.Amount); err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessWithMsg(c, gin.H{}, "subscription funded")
}

func (h *Handler) OracleBalance(c *gin.Context) {
	balance, err := h.services.Oracle.Balance(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"balance": balance})
}

func (h *Handler) CreditPlayer(c *gin.Context) {
	playerID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid player id")
		return
	}

	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.services.Token.Mint(c.Request.Context(), token.PlayerAddress(playerID), body.Amount); err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessWithMsg(c, gin.H{}, "player credited")
}

// IssuePlayerToken mints a player session token. Player identity lives in
// the upstream platform; this service only needs the numeric id.
func (h *Handler) IssuePlayerToken(c *gin.Context) {
	playerID, err := parseIDParam(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid player id")
		return
	}

	tokenStr, err := pkgAuth.GeneratePlayerToken(playerID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"token": tokenStr})
}

func (h *Handler) OracleFulfill(c *gin.Context) {
	var body oracleFulfillBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	round, err := h.services.Round.Fulfill(c.Request.Context(), body.RequestID, body.Words)
	if err != nil {
		h.handleLotteryError(c, err)
		return
	}
	response.Success(c, gin.H{
		"roundId": round.ID,
		"symbol":  round.WinningSymbol,
		"numbers": ticket.NumbersFromMask(round.WinningNumbers),
	})
}

func (h *Handler) handleLotteryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appErr.ErrInvalidTicket),
		errors.Is(err, appErr.ErrInvalidTicketCount),
		errors.Is(err, appErr.ErrTicketCountMismatch),
		errors.Is(err, appErr.ErrWrongAmount),
		errors.Is(err, appErr.ErrInvalidFinishTime),
		errors.Is(err, appErr.ErrInvalidRefundRange),
		errors.Is(err, appErr.ErrInsufficientBalance):
		response.Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, appErr.ErrRoundNotFound),
		errors.Is(err, appErr.ErrBetNotFound),
		errors.Is(err, appErr.ErrOperatorNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrNotBetOwner),
		errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, appErr.ErrRequestWindowOver):
		response.Error(c, http.StatusGone, err.Error())
	case errors.Is(err, appErr.ErrCalculationLocked):
		response.Error(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, appErr.ErrRoundNotOpen),
		errors.Is(err, appErr.ErrRoundNotFinished),
		errors.Is(err, appErr.ErrRoundNotDrawn),
		errors.Is(err, appErr.ErrRoundNotSettling),
		errors.Is(err, appErr.ErrRoundNotRefunding),
		errors.Is(err, appErr.ErrRequestOutstanding),
		errors.Is(err, appErr.ErrRequestMismatch),
		errors.Is(err, appErr.ErrRefundTooEarly),
		errors.Is(err, appErr.ErrRecoverTooEarly),
		errors.Is(err, appErr.ErrNoBets),
		errors.Is(err, appErr.ErrAlreadyClaimed),
		errors.Is(err, appErr.ErrAlreadyRefunded),
		errors.Is(err, appErr.ErrTicketAlreadyRegistered):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrInsufficientPoolFunds),
		errors.Is(err, appErr.ErrSubscriptionUnderfunded),
		errors.Is(err, appErr.ErrOracleRequestRejected):
		response.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func parseIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

func parsePositiveIntQuery(c *gin.Context, key string, defaultVal int) (int, error) {
	val := c.Query(key)
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return parsed, nil
}

func getPlayerID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(middleware.ContextPlayerIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func parseTimeWithLayouts(value string) (*time.Time, error) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid finishAt, expected RFC3339 or '2006-01-02 15:04:05'")
}
