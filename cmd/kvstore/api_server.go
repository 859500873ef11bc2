package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/galdor/go-cluster/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
)

type APIServer struct {
	Service *Service

	httpClient *http.Client
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,

		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.store.Snapshot())
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, value)
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	data, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(500, "internal_error", "cannot read request body: %v", err)
		return
	}

	index, err := api.submitOp(&OpPut{Key: key, Value: string(data)})
	if err != nil {
		h.ReplyError(502, "op_submission_error", "cannot submit op: %v", err)
		return
	}

	h.ReplyJSON(202, map[string]interface{}{"index": index})
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	index, err := api.submitOp(&OpDelete{Key: key})
	if err != nil {
		h.ReplyError(502, "op_submission_error", "cannot submit op: %v", err)
		return
	}

	h.ReplyJSON(202, map[string]interface{}{"index": index})
}

// submitOp sends the encoded op to the write endpoint of the local consensus
// server; the leader wrapper mounted there forwards it to the current leader
// if we are not it.
func (api *APIServer) submitOp(op Op) (raft.LogIndex, error) {
	data, err := EncodeOp(op)
	if err != nil {
		return 0, fmt.Errorf("cannot encode op: %w", err)
	}

	uri := "http://" + api.Service.localServerCfg().Address + "/store-op"

	res, err := api.httpClient.Post(uri, "application/octet-stream",
		bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("cannot read response body: %w", err)
	}

	if res.StatusCode != 202 {
		msg := strings.TrimSpace(string(body))
		return 0, fmt.Errorf("request failed with status %d: %s",
			res.StatusCode, msg)
	}

	var resData struct {
		Index raft.LogIndex `json:"index"`
	}

	if err := json.Unmarshal(body, &resData); err != nil {
		return 0, fmt.Errorf("cannot decode response body: %w", err)
	}

	return resData.Index, nil
}
