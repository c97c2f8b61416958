package alpaca

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Alpaca error numbers.
const (
	errNotImplemented = 0x400
	errInvalidValue   = 0x401
	errNotConnected   = 0x407
	errUnspecified    = 0x500
)

// clientTxID reads ClientTransactionID from the query, case-insensitively.
// A missing or malformed ID is reported as zero.
func clientTxID(r *http.Request) int {
	for param, value := range r.URL.Query() {
		if strings.EqualFold(param, "clienttransactionid") && len(value) > 0 {
			if id, err := strconv.Atoi(value[0]); err == nil && id >= 0 {
				return id
			}
		}
	}
	return 0
}

func writeResponse(w http.ResponseWriter, r *http.Request, value any) {
	writeJSON(w, baseResponse{
		ClientTransactionID: clientTxID(r),
		ServerTransactionID: int(txCounter.Add(1)),
		Value:               value,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, baseResponse{
		ClientTransactionID: clientTxID(r),
		ServerTransactionID: int(txCounter.Add(1)),
		ErrorNumber:         code,
		ErrorMessage:        message,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handler adapts a function returning a value or an error to an Alpaca
// JSON response.
type handler func(r *http.Request) (any, error)

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	value, err := h(r)
	if err != nil {
		code := errUnspecified
		var e *Error
		if errors.As(err, &e) {
			code = e.Number
		}
		writeError(w, r, code, err.Error())
		return
	}
	writeResponse(w, r, value)
}

// Error carries an Alpaca error number.
type Error struct {
	Number  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
