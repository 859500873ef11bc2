package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/galdor/go-cluster/pkg/raft"
	"github.com/galdor/go-cluster/pkg/routing"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
}

type RaftCfg struct {
	GroupId uint64 `json:"groupId"`

	// Keys are decimal server identifiers.
	Servers map[string]RaftServerCfg `json:"servers"`

	DataDirectory string `json:"dataDirectory"`

	// Addresses of servers to contact for discovery even before any route is
	// known, e.g. "http://localhost:8180".
	Seeds []string `json:"seeds,omitempty"`

	// If true, also announce the local route over UDP multicast.
	MulticastDiscovery bool `json:"multicastDiscovery,omitempty"`
}

type RaftServerCfg struct {
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	serverId raft.ServerId

	store      *Store
	routeStore *routing.RouteStore

	discoveryMulticast *routing.DiscoveryMulticast
	discoveryClient    *routing.DiscoveryClient
	discoveryCancel    context.CancelFunc
	discoveryWg        sync.WaitGroup

	raftServer    *raft.Server
	leaderWrapper *raft.LeaderServiceWrapper

	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("groupId", cfg.GroupId > 0, "invalid_group_id",
		"group id must be greater than zero")

	v.WithChild("servers", func() {
		v.Check("", len(cfg.Servers) > 0, "missing_servers",
			"server set must not be empty")

		for idString, server := range cfg.Servers {
			id, err := strconv.ParseUint(idString, 10, 64)
			v.Check(idString, err == nil && id > 0, "invalid_server_id",
				"server id must be a positive integer")

			v.WithChild(idString, func() {
				v.CheckStringNotEmpty("address", server.Address)

				v.Check("role",
					server.Role == "" || server.Role == "member" ||
						server.Role == "learner",
					"invalid_role", "role must be \"member\" or \"learner\"")
			})
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)

	v.WithChild("seeds", func() {
		for i, seed := range cfg.Seeds {
			v.CheckStringNotEmpty(i, seed)
		}
	})
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the numeric server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	idString := s.Program.ArgumentValue("id")

	id, err := strconv.ParseUint(idString, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid server id %q", idString)
	}

	if _, found := s.Cfg.Raft.Servers[idString]; !found {
		return fmt.Errorf("server %q not found in the configuration", idString)
	}

	s.serverId = raft.ServerId(id)

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	host, _, _ := net.SplitHostPort(s.localServerCfg().Address)

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, "8081"),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) localServerCfg() RaftServerCfg {
	return s.Cfg.Raft.Servers[strconv.FormatUint(uint64(s.serverId), 10)]
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.store = NewStore()

	s.routeStore = routing.NewRouteStore()

	if err := s.initDiscovery(); err != nil {
		return err
	}

	if err := s.initRaftServer(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initDiscovery() error {
	logger := s.Log.Child("discovery", nil)

	if s.Cfg.Raft.MulticastDiscovery {
		dm, err := routing.NewDiscoveryMulticast(s.routeStore, logger)
		if err != nil {
			return fmt.Errorf("cannot create multicast discovery: %w", err)
		}

		s.discoveryMulticast = dm
	}

	s.discoveryClient = routing.NewDiscoveryClient(routing.DiscoveryClientCfg{
		Seeds:             s.Cfg.Raft.Seeds,
		ActiveBroadcaster: true,
	}, s.routeStore, logger)

	return nil
}

func (s *Service) initRaftServer() error {
	logger := s.Log.Child("raft", log.Data{
		"server": s.serverId,
	})

	configuration := raft.Configuration{
		Servers: make(map[raft.ServerId]raft.ServerRole),
	}

	for idString, serverCfg := range s.Cfg.Raft.Servers {
		id, err := strconv.ParseUint(idString, 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid server id %q", idString)
		}

		role := raft.ServerRoleMember
		if serverCfg.Role == "learner" {
			role = raft.ServerRoleLearner
		}

		configuration.Servers[raft.ServerId(id)] = role
	}

	groupId := raft.GroupId(s.Cfg.Raft.GroupId)

	s.leaderWrapper = raft.NewLeaderServiceWrapper(raft.LeaderServiceWrapperCfg{
		GroupId: groupId,
		LocalId: s.serverId,

		Logger: s.Log.Child("proxy", nil),

		RouteStore: s.routeStore,

		LocalHandler: http.HandlerFunc(s.hStoreOp),
	})

	serverCfg := raft.ServerCfg{
		Id:            s.serverId,
		GroupId:       groupId,
		Configuration: configuration,

		ListenAddress: s.localServerCfg().Address,

		DataDirectory: s.Cfg.Raft.DataDirectory,

		Logger: logger,

		RouteStore: s.routeStore,

		ApplyFunc: s.replayLogEntry,

		AppHandler: s.leaderWrapper,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	s.leaderWrapper.Cfg.Module = s.raftServer.Module()

	s.startDiscovery(ss.ErrorChan())

	if err := s.waitUntilWellKnown(); err != nil {
		return err
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) startDiscovery(errorChan chan<- error) {
	ctx, cancel := context.WithCancel(context.Background())
	s.discoveryCancel = cancel

	run := func(name string, fn func(context.Context) error) {
		s.discoveryWg.Add(1)

		go func() {
			defer s.discoveryWg.Done()

			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errorChan <- fmt.Errorf("%s failed: %w", name, err)
			}
		}()
	}

	if s.discoveryMulticast != nil {
		run("multicast discovery", s.discoveryMulticast.Run)
	}

	run("discovery client", s.discoveryClient.Run)
}

// waitUntilWellKnown blocks until the rest of the group can route requests to
// us. Commands submitted before that point would be lost or bounced while the
// cluster does not know our address.
func (s *Service) waitUntilWellKnown() error {
	if len(s.Cfg.Raft.Servers) == 1 {
		return nil
	}

	checker := raft.NewWellKnownChecker(raft.WellKnownCheckerCfg{
		GroupId: raft.GroupId(s.Cfg.Raft.GroupId),

		Logger: s.Log.Child("well-known", nil),

		RouteStore: s.routeStore,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := checker.Wait(ctx); err != nil {
		return fmt.Errorf("server still not well known: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.discoveryCancel != nil {
		s.discoveryCancel()
		s.discoveryWg.Wait()
	}

	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func (s *Service) replayLogEntry(entry raft.LogEntry) error {
	op, err := DecodeOp(entry.Data)
	if err != nil {
		return fmt.Errorf("cannot decode op: %w", err)
	}

	s.store.ApplyOp(op)

	return nil
}

// hStoreOp is the leader-only write path, reached through the
// LeaderServiceWrapper mounted on the consensus HTTP server.
func (s *Service) hStoreOp(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/store-op" {
		http.Error(w, fmt.Sprintf("unknown route %s", req.URL.Path), 404)
		return
	}

	if req.Method != "POST" {
		http.Error(w, "method not allowed", 405)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "cannot read request body", 500)
		return
	}

	if _, err := DecodeOp(data); err != nil {
		http.Error(w, fmt.Sprintf("invalid op: %v", err), 400)
		return
	}

	index, err := s.raftServer.SubmitCommand(data)
	if err != nil {
		var notLeaderErr *raft.NotLeaderError
		if errors.As(err, &notLeaderErr) {
			raft.SetNotLeaderError(w.Header(), notLeaderErr)
			http.Error(w, notLeaderErr.Error(), http.StatusMisdirectedRequest)
			return
		}

		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(202)
	json.NewEncoder(w).Encode(map[string]interface{}{"index": index})
}
