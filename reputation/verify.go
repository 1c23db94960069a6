package reputation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"meshd/protocol"
)

// Verification failure reasons. The enumeration is fixed; settle flows key
// off these strings.
const (
	ReasonMissingTxHash            = "missing_tx_hash"
	ReasonMissingExpectedRecipient = "missing_expected_recipient"
	ReasonInvalidVerifyParams      = "invalid_verify_params"
	ReasonTxLookupFailed           = "tx_lookup_failed"
	ReasonTxNotFound               = "tx_not_found_in_recent_recipient_history"
	ReasonTxNoInternalInbound      = "tx_has_no_internal_inbound"
	ReasonRecipientMismatch        = "recipient_mismatch"
	ReasonSenderMismatch           = "sender_mismatch"
	ReasonAmountMismatch           = "amount_mismatch"
	ReasonTxTooOld                 = "tx_too_old"
	ReasonTxFailed                 = "tx_failed"
)

// DefaultLookbackLimit bounds the recipient history scan.
const DefaultLookbackLimit = 30

// ChainTx is one inbound transaction from the recipient's recent history.
type ChainTx struct {
	Hash               string
	From               string
	To                 string
	Amount             protocol.Decimal
	Timestamp          int64
	HasInboundInternal bool
	Aborted            bool
	ComputeFailed      bool
}

// TxSource fetches the recipient's recent inbound transactions. The host SDK
// injects the real chain client; tests inject fixtures.
type TxSource interface {
	RecentInbound(ctx context.Context, recipient string, limit int) ([]ChainTx, error)
}

// TxSourceFunc adapts a function to TxSource.
type TxSourceFunc func(ctx context.Context, recipient string, limit int) ([]ChainTx, error)

// RecentInbound implements TxSource.
func (f TxSourceFunc) RecentInbound(ctx context.Context, recipient string, limit int) ([]ChainTx, error) {
	return f(ctx, recipient, limit)
}

// VerifyParams describe the payment the settle flow expects to find on chain.
type VerifyParams struct {
	TxHash            string
	Amount            protocol.Decimal
	ExpectedRecipient string
	ExpectedSender    string
	IntentID          string
	MaxTxAgeSeconds   int64
	LookbackLimit     int
}

// VerifyResult is the verifier's verdict. Reason is empty when OK.
type VerifyResult struct {
	OK     bool
	Reason string
	Tx     *ChainTx
}

// Verifier checks a settlement payment against the recipient's recent
// inbound history. In strict mode a missing transaction source is a hard
// failure; otherwise the demo fallback accepts any non-empty hash, which is
// only acceptable for local development.
type Verifier struct {
	source                    TxSource
	strict                    bool
	allowAmountGreaterOrEqual bool
	now                       func() int64
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithExactAmountMatch requires the on-chain amount to equal the expected
// amount instead of merely covering it.
func WithExactAmountMatch() VerifierOption {
	return func(v *Verifier) { v.allowAmountGreaterOrEqual = false }
}

// WithVerifierClock overrides the wall clock, for tests.
func WithVerifierClock(now func() int64) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a payment verifier. source may be nil outside strict
// mode.
func NewVerifier(source TxSource, strict bool, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		source:                    source,
		strict:                    strict,
		allowAmountGreaterOrEqual: true,
		now:                       func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify resolves the payment verdict for the given parameters.
func (v *Verifier) Verify(ctx context.Context, params VerifyParams) (VerifyResult, error) {
	if strings.TrimSpace(params.TxHash) == "" {
		return VerifyResult{Reason: ReasonMissingTxHash}, nil
	}
	if strings.TrimSpace(params.ExpectedRecipient) == "" {
		return VerifyResult{Reason: ReasonMissingExpectedRecipient}, nil
	}
	if params.MaxTxAgeSeconds < 0 || params.LookbackLimit < 0 {
		return VerifyResult{Reason: ReasonInvalidVerifyParams}, nil
	}
	wantHash, ok := NormalizeTxHash(params.TxHash)
	if !ok {
		return VerifyResult{Reason: ReasonInvalidVerifyParams}, nil
	}

	if v.source == nil {
		if v.strict {
			return VerifyResult{Reason: ReasonTxLookupFailed}, nil
		}
		// Demo fallback: any well-formed non-empty hash passes.
		return VerifyResult{OK: true, Tx: &ChainTx{Hash: params.TxHash, To: params.ExpectedRecipient, Amount: params.Amount, Timestamp: v.now()}}, nil
	}

	limit := params.LookbackLimit
	if limit == 0 {
		limit = DefaultLookbackLimit
	}
	history, err := v.source.RecentInbound(ctx, params.ExpectedRecipient, limit)
	if err != nil {
		return VerifyResult{Reason: ReasonTxLookupFailed}, nil
	}

	var match *ChainTx
	for i := range history {
		candidate, ok := NormalizeTxHash(history[i].Hash)
		if ok && candidate == wantHash {
			match = &history[i]
			break
		}
	}
	if match == nil {
		return VerifyResult{Reason: ReasonTxNotFound}, nil
	}
	if !match.HasInboundInternal {
		return VerifyResult{Reason: ReasonTxNoInternalInbound, Tx: match}, nil
	}
	if match.To != params.ExpectedRecipient {
		return VerifyResult{Reason: ReasonRecipientMismatch, Tx: match}, nil
	}
	if params.ExpectedSender != "" && match.From != params.ExpectedSender {
		return VerifyResult{Reason: ReasonSenderMismatch, Tx: match}, nil
	}
	cmp := match.Amount.Cmp(params.Amount)
	if cmp != 0 && !(v.allowAmountGreaterOrEqual && cmp > 0) {
		return VerifyResult{Reason: ReasonAmountMismatch, Tx: match}, nil
	}
	if params.MaxTxAgeSeconds > 0 && v.now()-match.Timestamp > params.MaxTxAgeSeconds {
		return VerifyResult{Reason: ReasonTxTooOld, Tx: match}, nil
	}
	if match.Aborted || match.ComputeFailed {
		return VerifyResult{Reason: ReasonTxFailed, Tx: match}, nil
	}
	return VerifyResult{OK: true, Tx: match}, nil
}

// NormalizeTxHash canonicalizes a transaction hash to 64 lowercase hex
// characters. Hex inputs (with or without 0x) are left-padded to 32 bytes;
// base64 inputs (std or URL alphabet) are decoded and padded the same way.
func NormalizeTxHash(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return "", false
	}

	lower := strings.ToLower(trimmed)
	if len(lower) <= 64 && isHex(lower) {
		return strings.Repeat("0", 64-len(lower)) + lower, true
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(trimmed)
		if err != nil || len(decoded) == 0 || len(decoded) > 32 {
			continue
		}
		padded := make([]byte, 32-len(decoded), 32)
		padded = append(padded, decoded...)
		return hex.EncodeToString(padded), true
	}
	return "", false
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
