package grpcserver

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorInsufficientFunds       = "insufficient_funds"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorAlreadyUnlocked         = "already_unlocked"
	errorChapterFree             = "chapter_free"
	errorInternal                = "internal"

	creditDescription = "admin wallet credit"
)

// UnlockEngine is the unlock surface served over gRPC.
type UnlockEngine interface {
	SubmitUnlock(ctx context.Context, request unlock.SubmitRequest) (string, error)
	GetUnlockStatus(ctx context.Context, jobID string) (unlock.Job, error)
	CancelUnlock(ctx context.Context, jobID string, caller ledger.UserID) bool
	UnlockChapter(ctx context.Context, userID ledger.UserID, chapterID int64) (unlock.SingleUnlockResult, error)
}

// WalletService is the wallet surface served over gRPC.
type WalletService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	TopUp(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones, kind ledger.EntryKind, idempotencyKey ledger.IdempotencyKey, description string, metadata ledger.MetadataJSON) (ledger.Wallet, error)
}

// Server exposes the unlock engine and wallet over gRPC.
type Server struct {
	engine UnlockEngine
	wallet WalletService
}

// NewServer constructs a gRPC server implementation.
func NewServer(engine UnlockEngine, wallet WalletService) *Server {
	return &Server{engine: engine, wallet: wallet}
}

func (server *Server) SubmitUnlock(ctx context.Context, request *SubmitUnlockRequest) (*SubmitUnlockResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	mode, err := unlock.ParseMode(request.Mode)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	submit := unlock.SubmitRequest{UserID: userID, StoryID: request.StoryId, Mode: mode}
	if request.Range != nil {
		submit.Range = &unlock.ChapterRange{From: request.Range.From, To: request.Range.To}
	}
	jobID, err := server.engine.SubmitUnlock(ctx, submit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &SubmitUnlockResponse{JobId: jobID}, nil
}

func (server *Server) GetUnlockStatus(ctx context.Context, request *GetUnlockStatusRequest) (*GetUnlockStatusResponse, error) {
	job, err := server.engine.GetUnlockStatus(ctx, request.JobId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &GetUnlockStatusResponse{Job: job}, nil
}

func (server *Server) CancelUnlock(ctx context.Context, request *CancelUnlockRequest) (*CancelUnlockResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &CancelUnlockResponse{Cancelled: server.engine.CancelUnlock(ctx, request.JobId, userID)}, nil
}

func (server *Server) UnlockChapter(ctx context.Context, request *UnlockChapterRequest) (*UnlockChapterResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := server.engine.UnlockChapter(ctx, userID, request.ChapterId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &UnlockChapterResponse{
		ChapterId:    result.ChapterID,
		Price:        result.Price,
		BalanceAfter: result.BalanceAfter.Int64(),
		EntryId:      result.EntryID,
	}, nil
}

func (server *Server) GetBalance(ctx context.Context, request *GetBalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	wallet, err := server.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{UserId: userID.String(), Balance: wallet.Balance().Int64()}, nil
}

func (server *Server) CreditWallet(ctx context.Context, request *CreditWalletRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewPositiveStones(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJson)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description := request.Description
	if description == "" {
		description = creditDescription
	}
	wallet, err := server.wallet.TopUp(ctx, userID, amount, ledger.EntryKindTopUp, idem, description, metadata)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{UserId: userID.String(), Balance: wallet.Balance().Int64()}, nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	case errors.Is(source, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, unlock.ErrBadRequest):
		return status.Error(codes.InvalidArgument, source.Error())
	case errors.Is(source, unlock.ErrStoryNotFound),
		errors.Is(source, unlock.ErrChapterNotFound),
		errors.Is(source, unlock.ErrJobNotFound):
		return status.Error(codes.NotFound, source.Error())
	case errors.Is(source, ledger.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, unlock.ErrChapterNotLocked):
		return status.Error(codes.FailedPrecondition, errorChapterFree)
	case errors.Is(source, unlock.ErrAlreadyUnlocked):
		return status.Error(codes.AlreadyExists, errorAlreadyUnlocked)
	case errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	default:
		return status.Error(codes.Internal, errorInternal)
	}
}

var _ UnlockServiceServer = (*Server)(nil)
