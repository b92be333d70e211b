package agent

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/unicornultrafoundation/wgstack/internal/admin"
	"github.com/unicornultrafoundation/wgstack/internal/config"
	"github.com/unicornultrafoundation/wgstack/internal/identity"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
	"github.com/unicornultrafoundation/wgstack/internal/stack"
	"github.com/unicornultrafoundation/wgstack/internal/tunbridge"
	"github.com/unicornultrafoundation/wgstack/internal/wg"
)

// snapshotInterval is how often loop state is published to the admin
// API.
const snapshotInterval = 5 * time.Second

// Agent is the daemon composition root: runtime, stack, optional admin
// API and TUN bridge.
type Agent struct {
	cfg      *config.AgentConfig
	identity *identity.Identity
	loop     *runtime.Loop
	stack    *stack.Stack
	admin    *admin.Server
	bridge   *tunbridge.Bridge
	endpoint netip.AddrPort
	log      *slog.Logger
}

// New loads the identity and builds the runtime.
func New(cfg *config.AgentConfig, log *slog.Logger) (*Agent, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "pubkey", id.PublicKeyHex()[:16]+"...")

	return &Agent{
		cfg:      cfg,
		identity: id,
		loop:     runtime.NewLoop(log),
		log:      log,
	}, nil
}

// Run wires the subsystems and drives the loop until shutdown. The
// returned error is the fatal I/O error, if any.
func (a *Agent) Run() error {
	endpoint, err := resolveEndpoint(a.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	a.endpoint = endpoint

	stackCfg, err := a.stackConfig()
	if err != nil {
		return err
	}

	s, err := stack.Dial(a.loop, endpoint, stackCfg, a.log)
	if err != nil {
		return fmt.Errorf("dial link: %w", err)
	}
	a.stack = s

	if a.cfg.Admin.Enabled {
		if err := a.startAdmin(); err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
	}

	if a.cfg.Mode == "tun" {
		bridge, err := tunbridge.New(a.loop, s, a.cfg.TUN, a.cfg.AddressV4, a.log)
		if err != nil {
			return fmt.Errorf("start TUN bridge: %w", err)
		}
		a.bridge = bridge
	}

	a.log.Info("agent started",
		"endpoint", endpoint,
		"mode", a.cfg.Mode,
		"address_v4", a.cfg.AddressV4,
	)

	return a.loop.Run(func() {
		a.log.Info("agent stopping...")
		if a.bridge != nil {
			a.bridge.Close()
		}
	})
}

// Stack exposes the socket API for embedding applications.
func (a *Agent) Stack() *stack.Stack {
	return a.stack
}

// Loop exposes the runtime for embedding applications.
func (a *Agent) Loop() *runtime.Loop {
	return a.loop
}

func (a *Agent) stackConfig() (stack.Config, error) {
	var cfg stack.Config
	cfg.PrivateKey = a.identity.PrivateKey

	peerPub, err := identity.LoadKey(a.cfg.PeerPublicKey)
	if err != nil {
		return cfg, fmt.Errorf("peer public key: %w", err)
	}
	cfg.PeerPublicKey = peerPub

	if a.cfg.PresharedKey != "" {
		psk, err := identity.LoadKey(a.cfg.PresharedKey)
		if err != nil {
			return cfg, fmt.Errorf("preshared key: %w", err)
		}
		cfg.PresharedKey = psk
	}

	v4, err := netip.ParseAddr(a.cfg.AddressV4)
	if err != nil {
		return cfg, fmt.Errorf("address_v4: %w", err)
	}
	cfg.AddrV4 = v4

	v6, err := netip.ParseAddr(a.cfg.AddressV6)
	if err != nil {
		return cfg, fmt.Errorf("address_v6: %w", err)
	}
	cfg.AddrV6 = v6

	return cfg, nil
}

// startAdmin runs the API on its own goroutine and feeds it events and
// periodic snapshots from the loop.
func (a *Agent) startAdmin() error {
	srv, err := admin.New(a.cfg.Admin, a.log)
	if err != nil {
		return err
	}
	a.admin = srv

	events := srv.Events()
	a.stack.Wireguard().OnEvent(func(ev wg.Event) {
		select {
		case events <- ev:
		default:
			// Never stall the loop behind a slow journal.
		}
	})

	var publish func()
	publish = func() {
		srv.PublishSnapshot(&admin.Snapshot{
			Time:     time.Now(),
			Endpoint: a.endpoint.String(),
			Peers:    a.stack.Wireguard().Status(),
			Ports:    a.stack.BoundPorts(),
		})
		a.loop.After(snapshotInterval, publish)
	}
	a.loop.Defer(publish)

	go func() {
		if err := srv.Run(); err != nil {
			a.log.Error("admin api failed", "err", err)
		}
	}()
	return nil
}

func resolveEndpoint(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ua.AddrPort(), nil
}
