package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/oracle-dispatcher/oracle/chain"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

type response struct {
	body []byte
}

func newResponse(success bool) *response {
	r := &response{body: []byte(`{}`)}
	return r.set("success", success)
}

func (r *response) set(path string, value interface{}) *response {
	body, err := sjson.SetBytes(r.body, path, value)
	if err != nil {
		log.Errorf("build response field %s: %v", path, err)
		return r
	}
	r.body = body
	return r
}

func (r *response) write(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(r.body)
}

func errorResponse(addr, code, message string) *response {
	r := newResponse(false)
	if addr != "" {
		r.set("oracleAddress", addr)
	}
	return r.set("error.code", code).set("error.message", message)
}

// StatusCode maps a terminal job error onto the http status returned to callers.
func StatusCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case "INVALID_ADDRESS":
		return http.StatusBadRequest
	case "UPDATE_IN_PROGRESS":
		return http.StatusConflict
	case "SHUTTING_DOWN":
		return http.StatusServiceUnavailable
	case "CONFIRM_TIMEOUT":
		return http.StatusGatewayTimeout
	case "FETCH_FAILED", "CHAIN_READ_FAILED", "CHAIN_WRITE_FAILED":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["oracle"]
	addr, err := chain.NormalizeAddress(raw)
	if err != nil {
		errorResponse(raw, types.ErrorCode(err), err.Error()).write(w, http.StatusBadRequest)
		return
	}

	res := s.dispatcher.Trigger(r.Context(), addr)
	if !res.Success() {
		code := types.ErrorCode(res.Err)
		if code == "" {
			code = "INTERNAL_ERROR"
		}
		msg := "update failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		resp := errorResponse(addr, code, msg)
		if res.Job.State == types.Failed {
			resp.set("attempts", res.Job.Attempt)
		}
		resp.write(w, StatusCode(code))
		return
	}

	newResponse(true).
		set("oracleAddress", addr).
		set("apiUrl", res.APIURL).
		set("data", res.Receipt.Payload).
		set("transactionHash", res.Receipt.TxHash).
		set("nonce", res.Receipt.Nonce).
		set("blockNumber", res.Receipt.BlockNumber).
		set("attempts", res.Job.Attempt).
		write(w, http.StatusOK)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["oracle"]
	addr, err := chain.NormalizeAddress(raw)
	if err != nil {
		errorResponse(raw, types.ErrorCode(err), err.Error()).write(w, http.StatusBadRequest)
		return
	}

	info, err := s.dispatcher.Info(r.Context(), addr)
	if err != nil {
		code := types.ErrorCode(err)
		errorResponse(addr, code, err.Error()).write(w, StatusCode(code))
		return
	}

	newResponse(true).set("oracleAddress", addr).set("oracle", info).write(w, http.StatusOK)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dispatcher.Scan(r.Context())
	if err != nil {
		code := types.ErrorCode(err)
		if code == "INTERNAL_ERROR" {
			code = "REGISTRY_UNAVAILABLE"
		}
		status := StatusCode(code)
		if code == "REGISTRY_UNAVAILABLE" {
			status = http.StatusBadGateway
		}
		errorResponse("", code, err.Error()).write(w, status)
		return
	}

	newResponse(true).set("classes", counts).write(w, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	newResponse(true).set("status", s.dispatcher.Status()).write(w, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, checks := s.dispatcher.Health()

	resp := newResponse(healthy)
	for name, st := range checks {
		path := "checks." + name
		resp.set(path+".healthy", st.Healthy).set(path+".lastCheck", st.LastCheck)
		if st.LastError != nil {
			resp.set(path+".error", st.LastError.Error())
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	resp.write(w, status)
}
