package admin

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/unicornultrafoundation/wgstack/internal/config"
	"github.com/unicornultrafoundation/wgstack/internal/wg"
)

// trafficSampleInterval is how often peer counters are journaled.
const trafficSampleInterval = 60 * time.Second

// Snapshot is the stack state the loop publishes for the API. It is
// immutable once published.
type Snapshot struct {
	Time     time.Time       `json:"time"`
	Endpoint string          `json:"endpoint"`
	Peers    []wg.PeerStatus `json:"peers"`
	Ports    []uint16        `json:"ports"`
}

// Server is the local admin/status API. It observes the stack through
// published snapshots and the event channel; it never touches loop
// state directly.
type Server struct {
	db        *gorm.DB
	router    *gin.Engine
	hub       *Hub
	jwtSecret string
	cfg       config.AdminConfig

	snapshot atomic.Pointer[Snapshot]
	events   chan wg.Event

	log *slog.Logger
}

// New creates the admin server and its journal database.
func New(cfg config.AdminConfig, log *slog.Logger) (*Server, error) {
	db, err := InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	s := &Server{
		db:        db,
		jwtSecret: cfg.JWTSecret,
		cfg:       cfg,
		events:    make(chan wg.Event, 256),
		log:       log.With("component", "admin"),
	}
	s.snapshot.Store(&Snapshot{})

	if err := s.ensureAdminUser(cfg.Username, cfg.Password); err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s.router = router
	s.hub = NewHub(s.log)
	s.setupRoutes(router)

	return s, nil
}

// PublishSnapshot makes a fresh stack snapshot visible to the API.
// Called from the loop thread with data it no longer mutates.
func (s *Server) PublishSnapshot(snap *Snapshot) {
	s.snapshot.Store(snap)
}

// Events is where the loop posts tunnel lifecycle events. The channel
// is buffered; a full buffer drops the event rather than stalling the
// loop.
func (s *Server) Events() chan<- wg.Event {
	return s.events
}

// Run serves the API until the listener fails. Call on its own
// goroutine.
func (s *Server) Run() error {
	go s.consume()
	s.log.Info("admin api starting", "listen", s.cfg.Listen)
	return s.router.Run(s.cfg.Listen)
}

// consume journals events and traffic samples and feeds the WebSocket
// hub.
func (s *Server) consume() {
	ticker := time.NewTicker(trafficSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			s.hub.Broadcast(ev)
			rec := HandshakeEvent{
				Peer:      ev.Peer,
				Type:      string(ev.Type),
				SessionID: ev.Idx,
				At:        ev.Time,
			}
			if err := s.db.Create(&rec).Error; err != nil {
				s.log.Error("journal event", "err", err)
			}
		case <-ticker.C:
			snap := s.snapshot.Load()
			for _, p := range snap.Peers {
				if !p.HasPair {
					continue
				}
				rec := TrafficSample{
					Peer:        p.PublicKey,
					SessionID:   p.PairIdx,
					SendCounter: p.SendCounter,
					At:          snap.Time,
				}
				if err := s.db.Create(&rec).Error; err != nil {
					s.log.Error("journal traffic sample", "err", err)
				}
			}
		}
	}
}

func (s *Server) ensureAdminUser(username, password string) error {
	var count int64
	s.db.Model(&User{}).Count(&count)
	if count > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user := User{
		Username: username,
		Password: hash,
		Role:     "admin",
	}
	return s.db.Create(&user).Error
}
