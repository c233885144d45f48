// Package server wires the agent runtime: storage, resolution, transport,
// the rotation manager, and the two HTTP surfaces (peer-facing inbound and
// controller-facing admin).
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/api/admin"
	"github.com/threadline/pivot/internal/discovery"
	"github.com/threadline/pivot/internal/dispatch"
	"github.com/threadline/pivot/internal/events"
	"github.com/threadline/pivot/internal/platform/config"
	"github.com/threadline/pivot/internal/resolver"
	"github.com/threadline/pivot/internal/rotation"
	"github.com/threadline/pivot/internal/storage/sqlite"
	"github.com/threadline/pivot/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type serverEnv struct {
	DBPath            string `env:"PIVOT_AGENT_DB_PATH"`
	WebResolverScheme string `env:"PIVOT_WEB_RESOLVER_SCHEME"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "agent.db")
	}
	return cfg
}

// Server hosts the agent's inbound and admin HTTP listeners and the storage
// lifecycle.
type Server struct {
	inboundListener net.Listener
	adminListener   net.Listener
	inboundServer   *http.Server
	adminServer     *http.Server
	store           *sqlite.Store
	events          *events.Emitter
	manager         *rotation.Manager
}

// New creates a configured agent server listening on the provided ports.
func New(inboundPort, adminPort int) (*Server, error) {
	return NewWithAddrs(fmt.Sprintf(":%d", inboundPort), fmt.Sprintf(":%d", adminPort))
}

// NewWithAddrs creates a configured agent server for the provided addresses.
func NewWithAddrs(inboundAddr, adminAddr string) (*Server, error) {
	inboundListener, err := net.Listen("tcp", inboundAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", inboundAddr, err)
	}
	adminListener, err := net.Listen("tcp", adminAddr)
	if err != nil {
		_ = inboundListener.Close()
		return nil, fmt.Errorf("listen on %s: %w", adminAddr, err)
	}

	srvEnv := loadServerEnv()
	emitter := events.NewEmitter()
	store, err := openAgentStore(srvEnv.DBPath, emitter)
	if err != nil {
		_ = inboundListener.Close()
		_ = adminListener.Close()
		return nil, err
	}

	registry := resolver.NewRegistry()
	if err := registry.Register("web", &resolver.WebResolver{Scheme: srvEnv.WebResolverScheme}); err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("register web resolver: %w", err)
	}

	discoverer, err := discovery.NewDiscoverer(registry, store)
	if err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("build discoverer: %w", err)
	}
	dispatcher, err := transport.NewDispatcher(store, discoverer)
	if err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	manager, err := rotation.NewManager(rotation.ManagerConfig{
		Records:       store,
		Relationships: store,
		Resolver:      registry,
		Discovery:     discoverer,
		Outbound:      dispatcher,
		Events:        emitter,
	})
	if err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("build rotation manager: %w", err)
	}

	router := dispatch.NewRouter()
	dispatch.RegisterRotation(router, manager)

	authCfg, err := admin.LoadTokenConfigFromEnv(nil)
	if err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("load admin auth config: %w", err)
	}
	adminHandler, err := admin.NewHandler(admin.Config{
		Rotations: manager,
		Store:     store,
		Auth:      authCfg,
	})
	if err != nil {
		closeAll(inboundListener, adminListener, store)
		return nil, fmt.Errorf("build admin handler: %w", err)
	}

	return &Server{
		inboundListener: inboundListener,
		adminListener:   adminListener,
		inboundServer:   &http.Server{Handler: transport.NewInboundHandler(router)},
		adminServer:     &http.Server{Handler: adminHandler},
		store:           store,
		events:          emitter,
		manager:         manager,
	}, nil
}

// InboundAddr returns the peer-facing listener address.
func (s *Server) InboundAddr() string {
	if s == nil || s.inboundListener == nil {
		return ""
	}
	return s.inboundListener.Addr().String()
}

// AdminAddr returns the controller-facing listener address.
func (s *Server) AdminAddr() string {
	if s == nil || s.adminListener == nil {
		return ""
	}
	return s.adminListener.Addr().String()
}

// Events returns the agent's event emitter for in-process subscribers.
func (s *Server) Events() *events.Emitter {
	if s == nil {
		return nil
	}
	return s.events
}

// Run creates and serves an agent server until context cancellation.
func Run(ctx context.Context, inboundPort, adminPort int) error {
	server, err := New(inboundPort, adminPort)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts both HTTP listeners until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("agent inbound listening at %v", s.inboundListener.Addr())
	log.Printf("agent admin listening at %v", s.adminListener.Addr())

	serveErr := make(chan error, 2)
	go func() {
		serveErr <- s.inboundServer.Serve(s.inboundListener)
	}()
	go func() {
		serveErr <- s.adminServer.Serve(s.adminListener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.inboundServer.Shutdown(shutdownCtx)
		_ = s.adminServer.Shutdown(shutdownCtx)
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases agent server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.inboundServer != nil {
		_ = s.inboundServer.Close()
	}
	if s.adminServer != nil {
		_ = s.adminServer.Close()
	}
	if s.inboundListener != nil {
		_ = s.inboundListener.Close()
	}
	if s.adminListener != nil {
		_ = s.adminListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close agent store: %v", err)
		}
	}
}

func openAgentStore(path string, emitter *events.Emitter) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path, emitter)
	if err != nil {
		return nil, fmt.Errorf("open agent sqlite store: %w", err)
	}
	return store, nil
}

func closeAll(inbound, admin net.Listener, store *sqlite.Store) {
	_ = inbound.Close()
	_ = admin.Close()
	if store != nil {
		_ = store.Close()
	}
}
