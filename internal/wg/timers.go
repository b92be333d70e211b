package wg

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

// Protocol timing constants, per the WireGuard paper.
const (
	RekeyTimeout     = 5 * time.Second
	RekeyAttemptTime = 90 * time.Second

	KeepaliveTimeout = 10 * time.Second

	RekeyAfterTime  = 120 * time.Second
	RejectAfterTime = 180 * time.Second
)

// timers is the per-peer timer state.
type timers struct {
	loop *runtime.Loop

	// rekey is a max timer: several paths request a rekey deadline and
	// the latest one must win. When it fires, a new initiation is sent.
	rekey runtime.MaxTimerKey
	// keepalive sends an empty data packet when it fires. A zero key
	// means no keepalive is pending.
	keepalive runtime.FixedTimerKey
	// rekeyStart is when the current rekey cycle began; past
	// RekeyAttemptTime the cycle is abandoned.
	rekeyStart time.Time
	rekeying   bool

	onRekey     func()
	onKeepalive func()

	log *slog.Logger
}

func newTimers(loop *runtime.Loop, log *slog.Logger) timers {
	return timers{loop: loop, log: log}
}

// isRekeying reports whether an initiation is already outstanding.
func (t *timers) isRekeying() bool {
	return t.rekeying
}

// rekeyElapsed reports whether RekeyAttemptTime has run out on the
// current cycle.
func (t *timers) rekeyElapsed() bool {
	return t.rekeying && t.loop.Now().Sub(t.rekeyStart) >= RekeyAttemptTime
}

// sendData is called after a data packet goes out.
func (t *timers) sendData(isKeepalive bool) {
	if !isKeepalive {
		// Data has been sent; the pending keepalive is moot, and the
		// peer owes us traffic before the response window closes.
		t.loop.TimerDel(t.keepalive)
		t.resetRekey(KeepaliveTimeout + RekeyTimeout)
	}
	t.keepalive = 0
}

// recvData is called after a data packet arrives on the live session.
func (t *timers) recvData(isKeepalive bool) {
	t.loop.TimerMaxDel(t.rekey)

	if !isKeepalive {
		t.resetKeepalive(KeepaliveTimeout)
	} else {
		t.log.Info("received keepalive packet")
	}
}

// sendInit is called after an initiation goes out.
func (t *timers) sendInit() {
	if !t.rekeying {
		t.rekeying = true
		t.rekeyStart = t.loop.Now()
	}
	t.resetRekey(RekeyTimeout + jitter())
}

// recvResp is called after a response completes the handshake.
func (t *timers) recvResp() {
	t.rekeying = false
	t.loop.TimerMaxDel(t.rekey)
	// Confirm the new session to the peer immediately if no data goes
	// out first.
	t.resetKeepalive(0)
}

func (t *timers) resetKeepalive(d time.Duration) {
	if t.keepalive == 0 {
		t.log.Debug("setting keepalive timeout", "after", d)
		t.keepalive = t.loop.After(d, func() {
			t.keepalive = 0
			t.onKeepalive()
		})
	}
}

func (t *timers) resetRekey(d time.Duration) {
	t.rekey = t.loop.TimerMax(t.rekey, t.loop.Now().Add(d), t.onRekey)
}

// jitter spreads rekey retries over [0, 333ms).
func jitter() time.Duration {
	return time.Duration(rand.Intn(333)) * time.Millisecond
}
