/*
Package access decides whether the StrongBox applet may be selected or sent a
command, and how long an idle logical channel may stay open.

# Boot Phases

The controller starts in EarlyBoot. While full access is revoked (an applet
upgrade was reported in a SELECT response), only the early-boot allow-list is
accepted. Once every allow-listed command has been seen, the phase moves to
EarlyBootEnded for the rest of the process and nothing but the always-allowed
command gets through.

# Upgrade Detection

Bit 0x02 of the byte preceding the trailing status word of a SELECT response
flags an applet update in progress. Access is then revoked and an access-block
timer is armed; when it expires access is restored even if no new SELECT
response arrives.

# Session Timeouts

SessionTimeout picks, in order of precedence:

	update in progress, early boot ended   SmallestTimeout
	update in progress                     UpgradeTimeout
	crypto operations in flight            CryptoOpTimeout
	otherwise                              RegularTimeout
*/
package access

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
)

// Position and mask of the upgrade flag, counted from the end of a SELECT response.
const (
	upgradeOffset = 3
	upgradeMask   = 0x02
)

// BootState is the boot phase tracked by the controller.
type BootState int

const (
	EarlyBoot BootState = iota
	EarlyBootEnded
)

func (s BootState) String() string {
	switch s {
	case EarlyBoot:
		return "EARLY_BOOT"
	case EarlyBootEnded:
		return "EARLY_BOOT_ENDED"
	default:
		return fmt.Sprintf("BootState(%d)", int(s))
	}
}

// Config holds the controller timeouts and command lists.
type Config struct {
	RegularTimeout      time.Duration
	CryptoOpTimeout     time.Duration
	UpgradeTimeout      time.Duration
	SmallestTimeout     time.Duration
	AccessBlockDuration time.Duration

	// AllowList is accepted during early boot while access is revoked.
	AllowList []keymint.Instruction
	// AlwaysAllowed is accepted in every phase.
	AlwaysAllowed keymint.Instruction

	Scheduler timer.Scheduler
	Log       *slog.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		RegularTimeout:      3 * time.Second,
		CryptoOpTimeout:     20 * time.Second,
		UpgradeTimeout:      40 * time.Second,
		SmallestTimeout:     time.Millisecond,
		AccessBlockDuration: 65 * time.Second,
		AllowList:           append([]keymint.Instruction(nil), keymint.EarlyBootAllowList...),
		AlwaysAllowed:       keymint.AlwaysAllowed,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RegularTimeout == 0 {
		c.RegularTimeout = def.RegularTimeout
	}
	if c.CryptoOpTimeout == 0 {
		c.CryptoOpTimeout = def.CryptoOpTimeout
	}
	if c.UpgradeTimeout == 0 {
		c.UpgradeTimeout = def.UpgradeTimeout
	}
	if c.SmallestTimeout == 0 {
		c.SmallestTimeout = def.SmallestTimeout
	}
	if c.AccessBlockDuration == 0 {
		c.AccessBlockDuration = def.AccessBlockDuration
	}
	if c.AllowList == nil {
		c.AllowList = def.AllowList
	}
	if c.AlwaysAllowed == 0 {
		c.AlwaysAllowed = def.AlwaysAllowed
	}
	if c.Scheduler == nil {
		c.Scheduler = timer.System()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Controller is the process-wide access policy. It is safe for concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger

	accessAllowed    *atomic.Bool
	updateInProgress *atomic.Bool
	cryptoOps        *atomic.Int32

	mu        sync.Mutex
	bootState BootState
	seen      map[keymint.Instruction]bool

	accessBlock *timer.Task
	cryptoTimer *timer.Task
}

// New returns a controller in EarlyBoot with full access.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:              cfg,
		log:              cfg.Log.With("component", "access"),
		accessAllowed:    atomic.NewBool(true),
		updateInProgress: atomic.NewBool(false),
		cryptoOps:        atomic.NewInt32(0),
		bootState:        EarlyBoot,
		seen:             make(map[keymint.Instruction]bool, len(cfg.AllowList)),
	}
	for _, ins := range cfg.AllowList {
		c.seen[ins] = false
	}

	c.accessBlock = timer.NewTask(cfg.Scheduler, func() {
		c.log.Debug("applet access-block timer expired")
		c.accessAllowed.Store(true)
	})
	c.cryptoTimer = timer.NewTask(cfg.Scheduler, func() {
		c.log.Debug("crypto operation timer expired")
		c.cryptoOps.Store(0)
	})
	return c
}

// IsSelectAllowed reports whether the applet may be selected.
func (c *Controller) IsSelectAllowed() bool {
	if c.accessAllowed.Load() {
		return true
	}
	if c.BootState() == EarlyBoot {
		return true
	}
	c.log.Info("applet selection is not allowed")
	return false
}

// IsOperationAllowed reports whether ins may be sent. During early boot with
// access revoked, an allow-listed command is recorded as seen.
func (c *Controller) IsOperationAllowed(ins keymint.Instruction) bool {
	if ins == c.cfg.AlwaysAllowed {
		return true
	}
	if c.accessAllowed.Load() {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bootState != EarlyBoot {
		return false
	}
	if _, ok := c.seen[ins]; !ok {
		return false
	}
	c.seen[ins] = true
	c.updateBootStateLocked()
	return true
}

func (c *Controller) updateBootStateLocked() {
	for _, received := range c.seen {
		if !received {
			return
		}
	}
	c.log.Info("all allow-listed commands received, early boot completed")
	c.bootState = EarlyBootEnded
}

// ParseResponse inspects a successful SELECT response for the upgrade flag.
func (c *Controller) ParseResponse(resp []byte) {
	if len(resp) < upgradeOffset {
		return
	}
	if resp[len(resp)-upgradeOffset]&upgradeMask == upgradeMask {
		c.updateInProgress.Store(true)
		c.accessAllowed.Store(false)
		c.accessBlock.Arm(c.cfg.AccessBlockDuration)
		c.log.Info("applet update in progress", "block", c.cfg.AccessBlockDuration)
		return
	}
	c.updateInProgress.Store(false)
	c.accessAllowed.Store(true)
	c.accessBlock.Cancel()
}

// SetCryptoOperationState tracks begin/finish of crypto operations. Every
// start rearms a timer that forgets all operations when it expires.
func (c *Controller) SetCryptoOperationState(state keymint.CryptoOperationState) {
	switch state {
	case keymint.OperationStarted:
		c.cryptoOps.Inc()
		c.cryptoTimer.Arm(c.cfg.CryptoOpTimeout)
	case keymint.OperationFinished:
		for {
			n := c.cryptoOps.Load()
			if n <= 0 || c.cryptoOps.CompareAndSwap(n, n-1) {
				break
			}
		}
		if c.cryptoOps.Load() == 0 {
			c.log.Debug("all crypto operations finished")
			c.cryptoTimer.Cancel()
		}
	}
	c.log.Debug("crypto operations running", "count", c.cryptoOps.Load())
}

// SessionTimeout returns how long an idle channel may stay open.
func (c *Controller) SessionTimeout() time.Duration {
	if c.updateInProgress.Load() {
		if c.BootState() == EarlyBootEnded {
			return c.cfg.SmallestTimeout
		}
		return c.cfg.UpgradeTimeout
	}
	if c.cryptoOps.Load() > 0 {
		return c.cfg.CryptoOpTimeout
	}
	return c.cfg.RegularTimeout
}

func (c *Controller) BootState() BootState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootState
}

func (c *Controller) UpdateInProgress() bool {
	return c.updateInProgress.Load()
}

func (c *Controller) AccessAllowed() bool {
	return c.accessAllowed.Load()
}

func (c *Controller) CryptoOperations() int {
	return int(c.cryptoOps.Load())
}
