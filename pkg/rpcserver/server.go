// Package rpcserver is the JSON-RPC HTTP transport of spec §6.1: one POST
// route per configured chain (`/{chainId}`, plus `/rpc/` in testing mode),
// standard JSON-RPC 2.0 framing, a deep-hexlify result serializer, and the
// eth_/debug_bundler_ method dispatch table.
//
// Grounded on `github.com/gorilla/mux` for routing and `github.com/rs/cors`
// for the CORS middleware -- neither is in the teacher's go.mod, but both
// are carried by other repos in the retrieval pack for this exact concern
// (per SPEC_FULL.md's DOMAIN STACK section). Logging follows the teacher's
// package-level logrus idiom.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/bundlerrors"
)

var log = logger.WithFields(logger.Fields{"prefix": "rpcserver"})

// Chain is everything the server needs from one configured network to
// route and serve its JSON-RPC requests.
type Chain struct {
	ChainID int64
	Handler MethodHandler
}

// MethodHandler dispatches a single JSON-RPC method call for one chain.
// Implemented by Dispatch.Handle (a Dispatch is constructed per network in
// cmd/bundler).
type MethodHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Server is the JSON-RPC HTTP server of §6.1.
type Server struct {
	router      *mux.Router
	testingMode bool
}

// New builds a Server with one route per chain, and -- in testing mode --
// a single `/rpc/` route that always dispatches to the first configured
// chain; a request on that route cannot select another chain.
func New(chains []Chain, corsOrigin string, testingMode bool) *Server {
	router := mux.NewRouter()
	s := &Server{router: router, testingMode: testingMode}

	for _, c := range chains {
		c := c
		router.HandleFunc("/"+strconv.FormatInt(c.ChainID, 10), s.handler(c.Handler)).Methods(http.MethodPost)
	}
	if testingMode && len(chains) > 0 {
		router.HandleFunc("/rpc/", s.handler(chains[0].Handler)).Methods(http.MethodPost)
	}

	corsOptions := cors.Options{AllowedMethods: []string{http.MethodPost}}
	if corsOrigin != "" {
		corsOptions.AllowedOrigins = []string{corsOrigin}
	} else {
		corsOptions.AllowedOrigins = []string{"*"}
	}
	c := cors.New(corsOptions)
	router.Use(func(next http.Handler) http.Handler {
		return c.Handler(next)
	})

	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// rpcRequest is the standard JSON-RPC 2.0 request envelope of §6.1.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse is the standard JSON-RPC 2.0 response envelope of §6.1.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Code    int         `json:"code"`
}

func (s *Server) handler(h MethodHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Errorf("malformed JSON-RPC request: %v", err)
			http.Error(w, "malformed request body", http.StatusInternalServerError)
			return
		}

		result, err := h(r.Context(), req.Method, req.Params)

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			if rpcErr, ok := err.(*bundlerrors.RpcError); ok {
				resp.Error = &rpcErrorBody{Message: rpcErr.Message, Data: rpcErr.Data, Code: rpcErr.Code()}
				writeJSON(w, http.StatusOK, resp)
				return
			}
			log.Errorf("%s: unexpected error: %v", req.Method, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp.Result = deepHexlify(result)
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed writing response: %v", err)
	}
}

// ChecksumAddresses renders a slice of addresses as EIP-55 checksummed hex
// strings, the shape §6.1's eth_supportedEntryPoints result promises.
func ChecksumAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
