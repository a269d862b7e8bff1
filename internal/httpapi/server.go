package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	walletHistoryLimit    = 20
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// UnlockService is the unlock engine surface the HTTP binding needs.
type UnlockService interface {
	SubmitUnlock(ctx context.Context, request unlock.SubmitRequest) (string, error)
	GetUnlockStatus(ctx context.Context, jobID string) (unlock.Job, error)
	CancelUnlock(ctx context.Context, jobID string, caller ledger.UserID) bool
	UnlockChapter(ctx context.Context, userID ledger.UserID, chapterID int64) (unlock.SingleUnlockResult, error)
	ListUnlockedChapterIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error)
	QuoteUnlock(ctx context.Context, request unlock.SubmitRequest) (unlock.UnlockQuote, error)
	ChapterLockStatus(ctx context.Context, userID ledger.UserID, chapterID int64) (unlock.ChapterLockStatus, error)
}

// WalletReader exposes the caller's balance and ledger history.
type WalletReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Config holds the HTTP binding settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
}

// Server serves the unlock API over HTTP.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router and session middleware.
func NewServer(cfg Config, unlocks UnlockService, wallet WalletReader, logger *zap.Logger) (*Server, error) {
	if unlocks == nil || wallet == nil {
		return nil, fmt.Errorf("httpapi: unlock service and wallet are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		unlocks: unlocks,
		wallet:  wallet,
		timeout: cfg.RequestTimeout,
	}
	return &Server{
		cfg:    cfg,
		router: setupRouter(cfg, handler, validator),
		logger: logger,
	}, nil
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/stories/:storyId/unlocks", handler.handleSubmit)
	api.GET("/stories/:storyId/unlocked", handler.handleListUnlocked)
	api.GET("/stories/:storyId/unlock-quote", handler.handleQuote)
	api.GET("/unlocks/:jobId", handler.handleStatus)
	api.POST("/unlocks/:jobId/cancel", handler.handleCancel)
	api.POST("/chapters/:chapterId/unlock", handler.handleUnlockChapter)
	api.GET("/chapters/:chapterId/lock-status", handler.handleLockStatus)
	api.GET("/wallet", handler.handleWallet)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	unlocks UnlockService
	wallet  WalletReader
	timeout time.Duration
}

func (handler *httpHandler) handleSubmit(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	storyID, ok := int64Param(ctx, "storyId")
	if !ok {
		return
	}
	var request submitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mode, err := unlock.ParseMode(request.Mode)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	submit := unlock.SubmitRequest{UserID: userID, StoryID: storyID, Mode: mode}
	if request.Range != nil {
		submit.Range = &unlock.ChapterRange{From: request.Range.From, To: request.Range.To}
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	jobID, err := handler.unlocks.SubmitUnlock(requestCtx, submit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (handler *httpHandler) handleStatus(ctx *gin.Context) {
	if _, ok := callerUserID(ctx); !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	job, err := handler.unlocks.GetUnlockStatus(requestCtx, ctx.Param("jobId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": job})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	jobID := ctx.Param("jobId")
	accepted := handler.unlocks.CancelUnlock(ctx.Request.Context(), jobID, userID)
	ctx.JSON(http.StatusOK, gin.H{"job_id": jobID, "cancelled": accepted})
}

func (handler *httpHandler) handleUnlockChapter(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	chapterID, ok := int64Param(ctx, "chapterId")
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	result, err := handler.unlocks.UnlockChapter(requestCtx, userID, chapterID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"chapter_id":    result.ChapterID,
		"price":         result.Price,
		"balance_after": result.BalanceAfter.Int64(),
		"entry_id":      result.EntryID,
	})
}

// handleQuote prices a batch unlock without charging. A range is passed as
// ?mode=range&from=1&to=50.
func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	storyID, ok := int64Param(ctx, "storyId")
	if !ok {
		return
	}
	mode, err := unlock.ParseMode(ctx.DefaultQuery("mode", string(unlock.ModeFullStory)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	request := unlock.SubmitRequest{UserID: userID, StoryID: storyID, Mode: mode}
	if mode == unlock.ModeRange {
		from, fromErr := strconv.Atoi(ctx.Query("from"))
		to, toErr := strconv.Atoi(ctx.Query("to"))
		if fromErr != nil || toErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "from and to must be integers"))
			return
		}
		request.Range = &unlock.ChapterRange{From: from, To: to}
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	quote, err := handler.unlocks.QuoteUnlock(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"story_id":         quote.StoryID,
		"story_title":      quote.StoryTitle,
		"mode":             quote.Quote.Mode,
		"item_count":       quote.Quote.ItemCount,
		"original_price":   quote.Quote.OriginalTotal,
		"discounted_price": quote.Quote.FinalTotal,
		"discount_percent": quote.Quote.DiscountPercent(),
	})
}

func (handler *httpHandler) handleLockStatus(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	chapterID, ok := int64Param(ctx, "chapterId")
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	status, err := handler.unlocks.ChapterLockStatus(requestCtx, userID, chapterID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"chapter_id":     status.ChapterID,
		"story_id":       status.StoryID,
		"chapter_number": status.ChapterNumber,
		"price":          status.Price,
		"is_locked":      status.IsLocked,
		"is_unlocked":    status.IsUnlocked,
		"can_read":       status.CanRead(),
	})
}

func (handler *httpHandler) handleListUnlocked(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	storyID, ok := int64Param(ctx, "storyId")
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	chapterIDs, err := handler.unlocks.ListUnlockedChapterIDs(requestCtx, userID, storyID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"story_id": storyID, "chapter_ids": chapterIDs})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := callerUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	wallet, err := handler.wallet.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.wallet.ListEntries(requestCtx, userID, 0, walletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := walletResponse{
		Balance: wallet.Balance().Int64(),
		Entries: make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, entryPayload{
			EntryID:        entry.EntryID().String(),
			Amount:         entry.Amount().Int64(),
			Currency:       entry.Currency().String(),
			Kind:           entry.Kind().String(),
			Description:    entry.Description(),
			IdempotencyKey: entry.IdempotencyKey().String(),
			CreatedUnixUTC: entry.CreatedUnixUTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	statusCode, code := classifyError(err)
	if statusCode == http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Error(err),
		)
		ctx.JSON(statusCode, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, unlock.ErrBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, unlock.ErrStoryNotFound),
		errors.Is(err, unlock.ErrChapterNotFound),
		errors.Is(err, unlock.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, unlock.ErrAlreadyUnlocked):
		return http.StatusConflict, "already_unlocked"
	case errors.Is(err, unlock.ErrChapterNotLocked):
		return http.StatusConflict, "chapter_free"
	case errors.Is(err, unlock.ErrLedgerEntryMissing):
		return http.StatusInternalServerError, "ledger_entry_missing"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func callerUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func int64Param(ctx *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(strings.TrimSpace(ctx.Param(name)), 10, 64)
	if err != nil || value <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fmt.Sprintf("%s must be a positive integer", name)))
		return 0, false
	}
	return value, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type submitRequest struct {
	Mode  string        `json:"mode"`
	Range *rangePayload `json:"range"`
}

type rangePayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type walletResponse struct {
	Balance int64          `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Kind           string `json:"kind"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
