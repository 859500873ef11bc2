package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
)

const (
	SourceIdHeader = "X-Raft-Source-Id"
	GroupIdHeader  = "X-Raft-Group-Id"
)

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (s *Server) startHTTPServer() error {
	listener, err := net.Listen("tcp", s.Cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.Cfg.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/raft/message", s.hMessage)
	mux.HandleFunc("/announce", s.hAnnounce)
	mux.HandleFunc("/status", s.hStatus)
	mux.HandleFunc("/", s.hDefault)

	s.httpServer = &http.Server{
		Addr:              s.Cfg.ListenAddress,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           mux,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				s.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.errorChan <- fmt.Errorf("server error: %w", err)
			return
		}
	}()

	return nil
}

func (s *Server) stopHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.httpServer.Shutdown(ctx)
}

// SendMsg delivers a consensus message to another server of the group,
// resolving its address through the route store. Messages to servers we have
// no route for are dropped; the protocol retries on its own.
func (s *Server) SendMsg(recipientId ServerId, msg RPCMsg) {
	s.Log.Debug(2, "sending %v to %d", msg, recipientId)

	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		s.Log.Error("cannot encode message: %v", err)
		return
	}

	route, found := s.routeStore.Lookup(s.Cfg.GroupId, recipientId)
	if !found {
		s.Log.Debug(1, "no route to server %d", recipientId)
		s.onMsgNotDelivered(recipientId, msg)
		return
	}

	uri := url.URL{
		Scheme: "http",
		Host:   route.Addr,
		Path:   "/raft/message",
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		s.Log.Error("cannot create http request: %v", err)
		return
	}

	req.Header.Set(SourceIdHeader, strconv.FormatUint(uint64(s.Cfg.Id), 10))
	req.Header.Set(GroupIdHeader, strconv.FormatUint(uint64(s.Cfg.GroupId), 10))

	// Send the request asynchronously to avoid blocking the consensus module
	go s.sendMsgRequest(recipientId, route.Addr, msg, req)
}

func (s *Server) sendMsgRequest(recipientId ServerId, addr string, msg RPCMsg, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := s.httpClient.Do(req)
	if err != nil {
		s.Log.Debug(1, "cannot send %v to %s: %v", msg, addr, err)
		s.onMsgNotDelivered(recipientId, msg)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var errMsg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			errMsg = string(body)

			if idx := strings.IndexAny(errMsg, "\r\n"); idx > 0 {
				errMsg = errMsg[:idx]
			}

			if errMsg != "" {
				errMsg = ": " + errMsg
			}
		} else {
			s.Log.Error("cannot read response from %s: %v", addr, err)
		}

		s.Log.Error("http request to %s failed with status %d%s",
			addr, res.StatusCode, errMsg)

		s.onMsgNotDelivered(recipientId, msg)
	}
}

func (s *Server) onMsgNotDelivered(recipientId ServerId, msg RPCMsg) {
	if req, ok := msg.(*RPCAppendEntriesRequest); ok {
		s.module.HandleNoResponse(recipientId, req.RequestId, time.Now())
	}
}

func (s *Server) hMessage(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		s.replyError(w, 405, "method not allowed")
		return
	}

	sourceIdString := req.Header.Get(SourceIdHeader)
	if sourceIdString == "" {
		s.replyError(w, 400, "missing or empty %s header field",
			SourceIdHeader)
		return
	}

	sourceId, err := strconv.ParseUint(sourceIdString, 10, 64)
	if err != nil || sourceId == 0 {
		s.replyError(w, 400, "invalid %s header field", SourceIdHeader)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		s.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		s.replyError(w, 400, "invalid message: %v", err)
		return
	}

	s.replyEmpty(w, 204)

	// Hand the message to the main goroutine unless the server is being
	// stopped.
	incomingMsg := IncomingRPCMsg{
		SourceId: ServerId(sourceId),
		Msg:      msg,
	}

	select {
	case <-s.stopChan:
		return
	default:
	}

	s.rpcChan <- incomingMsg
}

// hAnnounce implements the pull side of discovery: it merges the caller's
// announcement into the local route store and answers with the full local
// route table.
func (s *Server) hAnnounce(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		s.replyError(w, 405, "method not allowed")
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		s.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	var an routing.Announcement
	if err := json.Unmarshal(data, &an); err != nil {
		s.replyError(w, 400, "invalid announcement: %v", err)
		return
	}

	s.routeStore.Apply(&an)

	s.replyJSON(w, 200, s.routeStore.Serialize())
}

func (s *Server) hStatus(w http.ResponseWriter, req *http.Request) {
	s.replyJSON(w, 200, s.module.CurrentStatus())
}

func (s *Server) hDefault(w http.ResponseWriter, req *http.Request) {
	if s.appHandler == nil {
		s.replyError(w, 404, "unknown route %s", req.URL.Path)
		return
	}

	s.appHandler.ServeHTTP(w, req)
}

func (s *Server) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (s *Server) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (s *Server) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.Log.Error(format, args...)
	s.replyText(w, status, format, args...)
}

func (s *Server) replyJSON(w http.ResponseWriter, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		s.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
