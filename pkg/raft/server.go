package raft

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
)

// Granularity of the consensus timer loop. Election timeouts and heartbeat
// intervals are two orders of magnitude larger.
const tickInterval = 25 * time.Millisecond

type ServerCfg struct {
	Id            ServerId
	GroupId       GroupId
	Configuration Configuration

	// Address the consensus HTTP server listens on; also the address
	// announced to the rest of the cluster as our route.
	ListenAddress string

	DataDirectory string

	Logger Logger

	RouteStore *routing.RouteStore

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatInterval  time.Duration

	// ApplyFunc is called for every committed entry, in log order.
	ApplyFunc func(LogEntry) error

	// AppHandler serves requests that are not part of the consensus
	// protocol, typically wrapped in a LeaderServiceWrapper.
	AppHandler http.Handler
}

// Server runs one member of a replication group: it owns the consensus
// module, its persistent stores and the HTTP transport, and announces the
// local route so that discovery can propagate it.
type Server struct {
	Cfg ServerCfg
	Log Logger

	module     *ConsensusModule
	routeStore *routing.RouteStore

	persistentStore *PersistentStore
	logStore        *LogStore

	appHandler http.Handler

	httpServer *http.Server
	httpClient *http.Client

	rpcChan    chan IncomingRPCMsg
	tickTicker *time.Ticker

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == 0 {
		return nil, fmt.Errorf("missing or invalid server id")
	}

	if _, found := cfg.Configuration.Servers[cfg.Id]; !found {
		return nil, fmt.Errorf("server %d not in configuration", cfg.Id)
	}

	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("missing or empty listen address")
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.RouteStore == nil {
		return nil, fmt.Errorf("missing route store")
	}

	dataDirectory := path.Join(cfg.DataDirectory,
		fmt.Sprintf("%d", cfg.Id))

	persistentStorePath := path.Join(dataDirectory, "persistent-state.json")
	persistentStore := NewPersistentStore(persistentStorePath)

	logStorePath := path.Join(dataDirectory, "log.json")
	logStore := NewLogStore(logStorePath)

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		routeStore: cfg.RouteStore,

		persistentStore: persistentStore,
		logStore:        logStore,

		appHandler: cfg.AppHandler,

		rpcChan: make(chan IncomingRPCMsg),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	dataDirectory := path.Join(s.Cfg.DataDirectory,
		fmt.Sprintf("%d", s.Cfg.Id))
	if err := os.MkdirAll(dataDirectory, 0700); err != nil {
		return fmt.Errorf("cannot create %q: %w", dataDirectory, err)
	}

	// Persistent state
	if err := s.persistentStore.Open(&PersistentState{}); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}

	var pstate PersistentState
	if err := s.persistentStore.Read(&pstate); err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %d",
		pstate.CurrentTerm, pstate.VotedFor)

	// Log store
	if err := s.logStore.Open(); err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	s.Log.Debug(1, "log store contains %d entries", s.logStore.LastIndex())

	// Consensus module
	module, err := NewConsensusModule(ConsensusModuleCfg{
		Id:            s.Cfg.Id,
		GroupId:       s.Cfg.GroupId,
		Configuration: s.Cfg.Configuration,

		Logger: s.Log,

		LogStore:     s.logStore,
		InitialState: pstate,

		Persist: func(pstate PersistentState) error {
			return s.persistentStore.Write(&pstate)
		},
		Apply:  s.Cfg.ApplyFunc,
		Sender: s,

		MinElectionTimeout: s.Cfg.MinElectionTimeout,
		MaxElectionTimeout: s.Cfg.MaxElectionTimeout,
		HeartbeatInterval:  s.Cfg.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("cannot create consensus module: %w", err)
	}

	s.module = module

	// Transport
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("cannot start http server: %w", err)
	}
	s.Log.Info("listening on %s", s.Cfg.ListenAddress)

	s.httpClient = newHTTPClient()

	// Make the local server routable. Discovery takes it from here.
	s.routeStore.SetLocalRoute(routing.Route{
		GroupId:  s.Cfg.GroupId,
		ServerId: s.Cfg.Id,
		Addr:     s.Cfg.ListenAddress,
		LastSeen: time.Now(),
	})

	// Main
	s.module.Start(time.Now())
	s.tickTicker = time.NewTicker(tickInterval)

	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

// SubmitCommand proposes a command for replication and returns the index it
// was appended at. It fails with a NotLeaderError on non-leader servers.
func (s *Server) SubmitCommand(data []byte) (LogIndex, error) {
	return s.module.Propose(data, time.Now())
}

func (s *Server) CurrentStatus() *Status {
	return s.module.CurrentStatus()
}

func (s *Server) Module() *ConsensusModule {
	return s.module
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.tickTicker.C:
			s.module.Tick(time.Now())

		case incomingMsg := <-s.rpcChan:
			s.Log.Debug(2, "received %v from %d",
				incomingMsg.Msg, incomingMsg.SourceId)

			s.module.HandleMsg(incomingMsg.SourceId, incomingMsg.Msg,
				time.Now())
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.tickTicker.Stop()

	s.stopHTTPServer()

	s.logStore.Close()
	s.persistentStore.Close()

	close(s.rpcChan)
}
