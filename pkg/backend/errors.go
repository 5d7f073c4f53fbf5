package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when no backend endpoints are configured.
	ErrNoEndpoints = errors.New("no backend endpoints available")

	// ErrClosed is returned when operating on a closed client.
	ErrClosed = errors.New("backend client is closed")

	// ErrRateLimited is returned when the rate limiter wait would outlast
	// the caller's deadline. No request is sent.
	ErrRateLimited = errors.New("backend rate limit exceeded")
)

// Category is the fixed set of outcomes a backend failure collapses into.
type Category int

const (
	// CategoryOther is the conservative bucket for anything not recognized.
	CategoryOther Category = iota

	// CategoryUnreachable covers connection failures, timeouts and 5xx replies.
	CategoryUnreachable

	// CategoryNotReady means the backend answered but cannot serve yet.
	CategoryNotReady

	// CategoryNotFound means the requested chain data does not exist (yet).
	CategoryNotFound

	// CategoryRejected is a definitive negative answer, e.g. a refused broadcast.
	CategoryRejected

	// CategoryMalformed means the backend replied with a shape we cannot interpret.
	CategoryMalformed

	// CategoryUnsupported means the backend does not implement the RPC.
	CategoryUnsupported
)

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case CategoryUnreachable:
		return "unreachable"
	case CategoryNotReady:
		return "not_ready"
	case CategoryNotFound:
		return "not_found"
	case CategoryRejected:
		return "rejected"
	case CategoryMalformed:
		return "malformed"
	case CategoryUnsupported:
		return "unsupported"
	default:
		return "other"
	}
}

// Retryable reports whether the same request may succeed later.
func (c Category) Retryable() bool {
	return c == CategoryUnreachable || c == CategoryNotReady
}

// Reason refines a category with a stable tag callers can branch on.
type Reason string

// Reason tags.
const (
	ReasonUnknown          Reason = "unknown"
	ReasonConnection       Reason = "connection"
	ReasonTimeout          Reason = "timeout"
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonWarmingUp        Reason = "warming-up"
	ReasonInitialDownload  Reason = "initial-download"
	ReasonNoPeers          Reason = "no-peers"
	ReasonInsufficientData Reason = "insufficient-data"
	ReasonBeyondTip        Reason = "beyond-tip"
	ReasonPruned           Reason = "pruned"
	ReasonAlreadyInChain   Reason = "already-in-chain"
	ReasonAlreadyInMempool Reason = "already-in-mempool"
	ReasonFeeTooLow        Reason = "fee-too-low"
	ReasonConflict         Reason = "conflict"
	ReasonMissingInputs    Reason = "missing-inputs"
	ReasonDust             Reason = "dust"
	ReasonNonFinal         Reason = "non-final"
	ReasonPolicy           Reason = "policy"
	ReasonInvalid          Reason = "invalid"
	ReasonBadShape         Reason = "bad-shape"
	ReasonMethodMissing    Reason = "method-missing"
	ReasonCanceled         Reason = "canceled"
	ReasonRateLimited      Reason = "rate-limited"
)

// Stages of a multi-call operation.
const (
	StageLookup = "lookup"
	StageFetch  = "fetch"
)

// Error is a classified backend failure.
type Error struct {
	Category Category
	Reason   Reason

	// Method is the backend RPC that failed.
	Method string

	// Stage distinguishes an intermediate lookup from the final call.
	Stage string

	// Code and Message carry the backend's JSON-RPC error, if any.
	Code    int
	Message string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("backend ")
	b.WriteString(e.Category.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Method != "" {
		b.WriteString(" in ")
		b.WriteString(e.Method)
	}
	if e.Stage != "" {
		b.WriteString(" during ")
		b.WriteString(e.Stage)
	}
	switch {
	case e.Message != "":
		fmt.Fprintf(&b, ": %s", e.Message)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// withStage returns a copy of a classified error tagged with stage.
func withStage(err error, stage string) error {
	var be *Error
	if !errors.As(err, &be) {
		return err
	}
	cp := *be
	cp.Stage = stage
	return &cp
}

// CategoryOf returns the category of err, or CategoryOther if unclassified.
func CategoryOf(err error) Category {
	var be *Error
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryOther
}

// IsCategory reports whether err was classified as c.
func IsCategory(err error, c Category) bool {
	var be *Error
	return errors.As(err, &be) && be.Category == c
}

// RPCError represents a JSON-RPC error object returned by the backend.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// httpStatusError is a non-200 reply that carried no JSON-RPC error.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// transportError wraps a failure to exchange bytes with the backend.
type transportError struct {
	Err error
}

func (e *transportError) Error() string { return "transport: " + e.Err.Error() }
func (e *transportError) Unwrap() error { return e.Err }

// malformedError wraps a reply we could not decode.
type malformedError struct {
	What string
	Err  error
}

func (e *malformedError) Error() string {
	if e.Err == nil {
		return "malformed " + e.What
	}
	return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
}
func (e *malformedError) Unwrap() error { return e.Err }

func malformed(what string, err error) error {
	return &malformedError{What: what, Err: err}
}

// Bitcoin Core compatible JSON-RPC error codes.
const (
	codeMiscError            = -1
	codeInvalidAddressOrKey  = -5
	codeInvalidParameter     = -8
	codeClientNotConnected   = -9
	codeClientInIBD          = -10
	codeDeserializationError = -22
	codeVerifyError          = -25
	codeVerifyRejected       = -26
	codeVerifyAlreadyInChain = -27
	codeInWarmup             = -28
	codeServerError          = -32000
	codeMethodNotFound       = -32601
	codeInvalidParams        = -32602
	codeInternalError        = -32603
)

type rule struct {
	category Category
	reason   Reason
}

// codeTable maps backend error codes to their default classification.
var codeTable = map[int]rule{
	codeMiscError:            {CategoryOther, ReasonUnknown},
	codeInvalidAddressOrKey:  {CategoryNotFound, ReasonUnknown},
	codeInvalidParameter:     {CategoryOther, ReasonInvalid},
	codeClientNotConnected:   {CategoryNotReady, ReasonNoPeers},
	codeClientInIBD:          {CategoryNotReady, ReasonInitialDownload},
	codeDeserializationError: {CategoryRejected, ReasonInvalid},
	codeVerifyError:          {CategoryRejected, ReasonInvalid},
	codeVerifyRejected:       {CategoryRejected, ReasonPolicy},
	codeVerifyAlreadyInChain: {CategoryRejected, ReasonAlreadyInChain},
	codeInWarmup:             {CategoryNotReady, ReasonWarmingUp},
	codeMethodNotFound:       {CategoryUnsupported, ReasonMethodMissing},
	codeInvalidParams:        {CategoryOther, ReasonInvalid},
}

// genericCodes carry no meaning of their own; message rules may refine them.
var genericCodes = map[int]bool{
	codeMiscError:     true,
	codeServerError:   true,
	codeInternalError: true,
}

type messageRule struct {
	substr string
	codes  []int
	rule
}

// messageTable refines a classification by message. First match wins.
var messageTable = []messageRule{
	{"method not found", nil, rule{CategoryUnsupported, ReasonMethodMissing}},
	{"already in block chain", nil, rule{CategoryRejected, ReasonAlreadyInChain}},
	{"already in the chain", nil, rule{CategoryRejected, ReasonAlreadyInChain}},
	{"outputs already in utxo set", nil, rule{CategoryRejected, ReasonAlreadyInChain}},
	{"txn-already-in-mempool", nil, rule{CategoryRejected, ReasonAlreadyInMempool}},
	{"txn-already-known", nil, rule{CategoryRejected, ReasonAlreadyInMempool}},
	{"min relay fee not met", nil, rule{CategoryRejected, ReasonFeeTooLow}},
	{"mempool min fee not met", nil, rule{CategoryRejected, ReasonFeeTooLow}},
	{"insufficient fee", nil, rule{CategoryRejected, ReasonFeeTooLow}},
	{"txn-mempool-conflict", nil, rule{CategoryRejected, ReasonConflict}},
	{"bad-txns-inputs-missingorspent", nil, rule{CategoryRejected, ReasonMissingInputs}},
	{"missing inputs", nil, rule{CategoryRejected, ReasonMissingInputs}},
	{"missing-inputs", nil, rule{CategoryRejected, ReasonMissingInputs}},
	{"dust", []int{codeVerifyRejected}, rule{CategoryRejected, ReasonDust}},
	{"non-final", []int{codeVerifyRejected}, rule{CategoryRejected, ReasonNonFinal}},
	{"tx decode failed", nil, rule{CategoryRejected, ReasonInvalid}},
	{"height out of range", []int{codeInvalidParameter}, rule{CategoryNotFound, ReasonBeyondTip}},
	{"invalid height", []int{codeInvalidParameter}, rule{CategoryNotFound, ReasonBeyondTip}},
	{"pruned data", nil, rule{CategoryNotFound, ReasonPruned}},
	{"block not found", nil, rule{CategoryNotFound, ReasonUnknown}},
	{"no such mempool or blockchain transaction", nil, rule{CategoryNotFound, ReasonUnknown}},
	{"transaction not found", nil, rule{CategoryNotFound, ReasonUnknown}},
	{"not found", nil, rule{CategoryNotFound, ReasonUnknown}},
	{"initial block download", nil, rule{CategoryNotReady, ReasonInitialDownload}},
	{"loading block index", nil, rule{CategoryNotReady, ReasonWarmingUp}},
	{"insufficient data", nil, rule{CategoryNotReady, ReasonInsufficientData}},
}

func (m messageRule) applies(code int) bool {
	if len(m.codes) == 0 || genericCodes[code] {
		return true
	}
	for _, c := range m.codes {
		if c == code {
			return true
		}
	}
	return false
}

// classifyRPC maps a backend JSON-RPC error object to a rule.
func classifyRPC(code int, message string) rule {
	r, known := codeTable[code]
	if !known {
		r = rule{CategoryOther, ReasonUnknown}
	}
	lower := strings.ToLower(message)
	for _, m := range messageTable {
		if !m.applies(code) || !strings.Contains(lower, m.substr) {
			continue
		}
		// Unscoped rules only refine the reason of a specific code.
		if len(m.codes) == 0 && known && !genericCodes[code] && m.category != r.category {
			continue
		}
		return m.rule
	}
	return r
}

// Classify converts any error produced while talking to the backend into a
// classified *Error. It is the only place backend error shapes are interpreted.
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		return err
	}

	out := &Error{Method: method, Err: err, Category: CategoryOther, Reason: ReasonUnknown}

	var (
		rpcErr    *RPCError
		statusErr *httpStatusError
		malErr    *malformedError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		out.Reason = ReasonCanceled
	case errors.Is(err, ErrRateLimited):
		out.Reason = ReasonRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		out.Category, out.Reason = CategoryUnreachable, ReasonTimeout
	case errors.As(err, &rpcErr):
		r := classifyRPC(rpcErr.Code, rpcErr.Message)
		out.Category, out.Reason = r.category, r.reason
		out.Code, out.Message = rpcErr.Code, rpcErr.Message
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			out.Category, out.Reason = CategoryUnreachable, ReasonUnauthorized
		case statusErr.StatusCode >= 500:
			out.Category, out.Reason = CategoryUnreachable, ReasonConnection
		default:
			out.Category, out.Reason = CategoryMalformed, ReasonBadShape
		}
	case errors.As(err, &malErr):
		out.Category, out.Reason = CategoryMalformed, ReasonBadShape
	case errors.Is(err, ErrNoEndpoints), errors.Is(err, ErrClosed):
		out.Category, out.Reason = CategoryUnreachable, ReasonConnection
	default:
		var te *transportError
		if errors.As(err, &te) {
			out.Category, out.Reason = CategoryUnreachable, ReasonConnection
		}
	}
	return out
}

// isTransientConn reports connection-level failures worth one quick retry.
// Timeouts are excluded: the attempt already consumed its time budget.
func isTransientConn(err error) bool {
	var te *transportError
	if !errors.As(err, &te) {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
