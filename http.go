package ledgerx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	TraceHeader = "X-Trace-Id"

	maxTraceIDLen = 64
	retryAfterSec = "1"
)

var (
	statusOK = []byte(`{"status":"OK"}`)
)

type balanceJSONResp struct {
	Balance decimal.Decimal `json:"balance"`
}

type transactionsJSONResp struct {
	Transactions []Transaction `json:"transactions"`
}

type errorJSONResp struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

func NewHTTPHandler(svc Service, auth *Authenticator, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.Use(TraceMiddleware(log))
	mux.NotFound(HTTPNotFound)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(statusOK)
	})
	mux.Route("/accounts", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/", hndlr.CreateAccount)
		r.Route("/{acctID:[0-9]+}", func(rr chi.Router) {
			rr.Get("/", hndlr.Account)
			rr.Post("/deposit", hndlr.Deposit)
			rr.Post("/withdraw", hndlr.Withdraw)
			rr.Get("/balance", hndlr.Balance)
			rr.Get("/transactions", hndlr.Transactions)
			rr.Get("/statement", hndlr.Statement)
		})
	})

	return mux
}

// TraceMiddleware propagates X-Trace-Id, generating one when the client did
// not send a usable value, and logs request completion with it.
func TraceMiddleware(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" || len(traceID) > maxTraceIDLen {
				traceID = uuid.NewString()
			}
			w.Header().Set(TraceHeader, traceID)

			l := log.With().Str("trace_id", traceID).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

			l.Info().
				Str("http_method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request completed")
		})
	}
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFromContext(r.Context())
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	var req CreateAccountReq
	if err = h.decodeBody(r, &req, "create_account"); err != nil {
		WriteHTTPError(w, err)
		return
	}
	req.Caller = caller
	acct, err := h.Svc.CreateAccount(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, acct)
}

func (h *httpHandler) Account(w http.ResponseWriter, r *http.Request) {
	caller, acctID, err := h.target(r, "account")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	acct, err := h.Svc.Account(r.Context(), AccountReq{AcctID: acctID, Caller: caller})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, "deposit", h.Svc.Deposit)
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, "withdraw", h.Svc.Withdraw)
}

func (h *httpHandler) charge(w http.ResponseWriter, r *http.Request, method string, op func(context.Context, ChargeReq) (*Account, error)) {
	caller, acctID, err := h.target(r, method)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	var req ChargeReq
	if err = h.decodeBody(r, &req, method); err != nil {
		WriteHTTPError(w, err)
		return
	}
	req.AcctID = acctID
	req.Caller = caller
	acct, err := op(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	caller, acctID, err := h.target(r, "balance")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	bal, err := h.Svc.Balance(r.Context(), BalanceReq{AcctID: acctID, Caller: caller})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceJSONResp{Balance: *bal})
}

func (h *httpHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	caller, acctID, err := h.target(r, "recent_transactions")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	txns, err := h.Svc.RecentTransactions(r.Context(), HistoryReq{AcctID: acctID, Limit: limit, Caller: caller})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transactionsJSONResp{Transactions: txns})
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	caller, acctID, err := h.target(r, "statement")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	buf := new(bytes.Buffer)
	req := StatementReq{
		AcctID: acctID,
		Limit:  limit,
		Caller: caller,
	}
	if err = h.Svc.Statement(r.Context(), buf, req); err != nil {
		WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="statement-`+acctID.String()+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	if _, err = buf.WriteTo(w); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing statement")
	}
}

// target extracts the caller and the account id of the route.
func (h *httpHandler) target(r *http.Request, method string) (CallerIdentity, snowflake.ID, error) {
	caller, err := CallerFromContext(r.Context())
	if err != nil {
		return CallerIdentity{}, 0, err
	}
	pid := chi.URLParam(r, "acctID")
	acctID, err := snowflake.ParseString(pid)
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error parsing account ID")
		return CallerIdentity{}, 0, ErrBadRequest{map[string]string{"acctID": "invalid format"}}
	}
	return caller, acctID, nil
}

func (h *httpHandler) decodeBody(r *http.Request, dst any, method string) error {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		return ErrInternalServer
	}
	if err = json.Unmarshal(buf, dst); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		return ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}}
	}
	return nil
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Err(err).Msg("response encoding failed")
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrBadRequest{Fields: map[string]string{"limit": "must be an integer"}}
	}
	return limit, nil
}

// WriteHTTPError maps err to a status and a generic JSON body. The trace id
// is taken from the response headers set by TraceMiddleware.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	resp := errorJSONResp{TraceID: w.Header().Get(TraceHeader)}
	errnf := &ErrNotFound{}
	errbr := &ErrBadRequest{}
	errif := &ErrInsufficientFunds{}
	errlk := &ErrLocked{}
	errcf := &ErrConflict{}
	switch {
	case errors.As(err, errnf):
		resp.Code, resp.Message = http.StatusNotFound, "resource not found"
	case errors.As(err, errbr):
		resp.Code, resp.Message, resp.Fields = http.StatusBadRequest, "invalid request", errbr.Fields
	case errors.As(err, errif):
		resp.Code, resp.Message = http.StatusUnprocessableEntity, errif.Error()
	case errors.As(err, errlk):
		w.Header().Set("Retry-After", retryAfterSec)
		resp.Code, resp.Message = http.StatusLocked, errlk.Error()
	case errors.As(err, errcf):
		resp.Code, resp.Message = http.StatusConflict, "conflicting update, retry the request"
	case errors.Is(err, ErrBusy), errors.Is(err, ErrExhausted), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", retryAfterSec)
		resp.Code, resp.Message = http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, ErrUnauthorized):
		resp.Code, resp.Message = http.StatusUnauthorized, ErrUnauthorized.Error()
	default:
		resp.Code, resp.Message = http.StatusInternalServerError, "server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	ne = json.NewEncoder(w).Encode(resp)
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	resp := map[string]string{
		"path": r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}
