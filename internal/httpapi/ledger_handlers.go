package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"finllm.org/internal/auth"
	"finllm.org/internal/ledger"
)

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

// handleAccountResource serves /employee/accounts/{alias} and
// /employee/accounts/{alias}/balance for the caller's own accounts.
func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/employee/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/balance") {
		alias := strings.TrimSuffix(strings.TrimSuffix(path, "/balance"), "/")
		if alias == "" || strings.Contains(alias, "/") {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		a.getBalance(w, r, alias)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	acc, err := a.deps.Ledger.GetAccount(r.Context(), owner(r), path)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, alias string) {
	currency := strings.TrimSpace(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = "USD"
	}
	code, err := ledger.NormalizeCurrency(currency)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	mon, err := a.deps.Ledger.GetBalance(r.Context(), owner(r), alias, code)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alias":     ledger.NormalizeAlias(alias),
		"currency":  mon.Currency,
		"amount":    mon.Amount,
		"formatted": mon.Format(),
	})
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.deps.Ledger.ListTransactions(r.Context(), owner(r), limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func owner(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidCurrency):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
