package wire

// Reply error codes.
const (
	// CodeNotReady: the node has no key material yet. Retry later.
	CodeNotReady = "not_ready"
	// CodeInternal: the node failed after the request was accepted,
	// e.g. the journal append failed.
	CodeInternal = "internal"
	// CodeRejected: the ledger refused the request (double spend, bad proof).
	CodeRejected = "rejected"
)

// ReplyError is the typed failure carried inside an ApplyReply.
type ReplyError struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NotReady() *ReplyError { return &ReplyError{Code: CodeNotReady, Message: "key material not installed"} }

func Internal(msg string) *ReplyError { return &ReplyError{Code: CodeInternal, Message: msg} }

func Rejected(msg string) *ReplyError { return &ReplyError{Code: CodeRejected, Message: msg} }
