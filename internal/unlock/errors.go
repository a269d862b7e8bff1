package unlock

import "errors"

// Error values surfaced by the unlock engine.
var (
	ErrBadRequest         = errors.New("bad request")
	ErrStoryNotFound      = errors.New("story not found")
	ErrChapterNotFound    = errors.New("chapter not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrNoChaptersInRange  = errors.New("no chapters in range")
	ErrNothingToUnlock    = errors.New("all chapters already unlocked or not locked")
	ErrAlreadyUnlocked    = errors.New("chapter already unlocked")
	ErrChapterNotLocked   = errors.New("chapter is free to read")
	ErrInvalidTransition  = errors.New("invalid job state transition")
	ErrProgressRegression = errors.New("job progress cannot decrease")
	ErrInvalidConfig      = errors.New("invalid unlock config")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrLedgerEntryMissing = errors.New("ledger entry not recorded")
)
