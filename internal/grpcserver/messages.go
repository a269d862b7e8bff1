package grpcserver

import "github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"

type ChapterRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type SubmitUnlockRequest struct {
	UserId  string        `json:"user_id"`
	StoryId int64         `json:"story_id"`
	Mode    string        `json:"mode"`
	Range   *ChapterRange `json:"range,omitempty"`
}

type SubmitUnlockResponse struct {
	JobId string `json:"job_id"`
}

type GetUnlockStatusRequest struct {
	JobId string `json:"job_id"`
}

type GetUnlockStatusResponse struct {
	Job unlock.Job `json:"job"`
}

type CancelUnlockRequest struct {
	JobId  string `json:"job_id"`
	UserId string `json:"user_id"`
}

type CancelUnlockResponse struct {
	Cancelled bool `json:"cancelled"`
}

type UnlockChapterRequest struct {
	UserId    string `json:"user_id"`
	ChapterId int64  `json:"chapter_id"`
}

type UnlockChapterResponse struct {
	ChapterId    int64  `json:"chapter_id"`
	Price        int64  `json:"price"`
	BalanceAfter int64  `json:"balance_after"`
	EntryId      string `json:"entry_id"`
}

type GetBalanceRequest struct {
	UserId string `json:"user_id"`
}

type CreditWalletRequest struct {
	UserId         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
	MetadataJson   string `json:"metadata_json,omitempty"`
}

type BalanceResponse struct {
	UserId  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
