package ledger

const (
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationRecordEntry = "record_entry"
	operationTopUp       = "top_up"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultMetadataJSON  = "{}"
	maxDescriptionLength = 512
)
