package access

import (
	"testing"
	"time"

	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
)

var (
	selectNormal  = []byte{0x6F, 0x00, 0x00, 0x90, 0x00}
	selectUpgrade = []byte{0x6F, 0x00, 0x02, 0x90, 0x00}
)

func newController(t *testing.T) (*Controller, *timer.Fake) {
	t.Helper()
	clock := timer.NewFake()
	return New(Config{Scheduler: clock}), clock
}

func TestController_InitialState(t *testing.T) {
	c, _ := newController(t)

	if !c.AccessAllowed() {
		t.Error("access must be allowed at start")
	}
	if c.BootState() != EarlyBoot {
		t.Errorf("BootState() = %v; want %v", c.BootState(), EarlyBoot)
	}
	if !c.IsSelectAllowed() {
		t.Error("select must be allowed at start")
	}
	if !c.IsOperationAllowed(keymint.INS_GENERATE_KEY) {
		t.Error("any command must be allowed with full access")
	}
	if got := c.SessionTimeout(); got != 3*time.Second {
		t.Errorf("SessionTimeout() = %v; want 3s", got)
	}
}

func TestController_ParseResponse(t *testing.T) {
	c, clock := newController(t)

	c.ParseResponse(selectUpgrade)
	if c.AccessAllowed() || !c.UpdateInProgress() {
		t.Fatalf("upgrade bit not honoured: access=%v update=%v", c.AccessAllowed(), c.UpdateInProgress())
	}
	if clock.Pending() != 1 {
		t.Fatalf("access-block timer not armed")
	}

	c.ParseResponse(selectNormal)
	if !c.AccessAllowed() || c.UpdateInProgress() {
		t.Errorf("clear bit must restore access: access=%v update=%v", c.AccessAllowed(), c.UpdateInProgress())
	}
	if clock.Pending() != 0 {
		t.Errorf("access-block timer still armed")
	}

	// Too short to carry the flag.
	c.ParseResponse([]byte{0x90, 0x00})
	if !c.AccessAllowed() {
		t.Error("short response must leave state untouched")
	}
}

func TestController_AccessBlockExpires(t *testing.T) {
	c, clock := newController(t)
	c.ParseResponse(selectUpgrade)

	clock.Advance(64 * time.Second)
	if c.AccessAllowed() {
		t.Fatal("access restored before the block duration")
	}
	clock.Advance(time.Second)
	if !c.AccessAllowed() {
		t.Error("access not restored after the block duration")
	}
	if !c.UpdateInProgress() {
		t.Error("expiry only restores access")
	}
}

func TestController_EarlyBootAllowList(t *testing.T) {
	c, _ := newController(t)
	c.ParseResponse(selectUpgrade)

	if c.IsOperationAllowed(keymint.INS_GENERATE_KEY) {
		t.Error("non allow-listed command accepted while access is revoked")
	}
	if !c.IsSelectAllowed() {
		t.Error("select must stay allowed during early boot")
	}

	steps := []keymint.Instruction{
		keymint.INS_INIT_STRONGBOX,
		keymint.INS_GET_SHARED_SECRET_PARAM,
		keymint.INS_GET_SHARED_SECRET_PARAM,
	}
	for _, ins := range steps {
		if !c.IsOperationAllowed(ins) {
			t.Fatalf("allow-listed %v rejected", ins)
		}
	}
	if c.BootState() != EarlyBoot {
		t.Fatalf("early boot ended before every allow-listed command was seen")
	}
	if got := c.SessionTimeout(); got != 40*time.Second {
		t.Errorf("SessionTimeout() = %v; want upgrade timeout", got)
	}

	if !c.IsOperationAllowed(keymint.INS_COMPUTE_SHARED_SECRET) {
		t.Fatal("last allow-listed command rejected")
	}
	if c.BootState() != EarlyBootEnded {
		t.Fatalf("BootState() = %v; want %v", c.BootState(), EarlyBootEnded)
	}

	if c.IsOperationAllowed(keymint.INS_INIT_STRONGBOX) {
		t.Error("allow-list must be closed once early boot ended")
	}
	if c.IsSelectAllowed() {
		t.Error("select must be refused after early boot with access revoked")
	}
	if got := c.SessionTimeout(); got != time.Millisecond {
		t.Errorf("SessionTimeout() = %v; want smallest timeout", got)
	}
}

func TestController_AlwaysAllowed(t *testing.T) {
	c, _ := newController(t)
	c.ParseResponse(selectUpgrade)
	for _, ins := range keymint.EarlyBootAllowList {
		c.IsOperationAllowed(ins)
	}
	if c.BootState() != EarlyBootEnded {
		t.Fatal("setup: early boot should have ended")
	}
	if !c.IsOperationAllowed(keymint.INS_EARLY_BOOT_ENDED) {
		t.Error("EARLY_BOOT_ENDED must always be allowed")
	}
}

func TestController_CryptoOperations(t *testing.T) {
	c, clock := newController(t)

	c.SetCryptoOperationState(keymint.OperationStarted)
	c.SetCryptoOperationState(keymint.OperationStarted)
	if c.CryptoOperations() != 2 {
		t.Fatalf("CryptoOperations() = %d; want 2", c.CryptoOperations())
	}
	if got := c.SessionTimeout(); got != 20*time.Second {
		t.Errorf("SessionTimeout() = %v; want crypto timeout", got)
	}

	c.SetCryptoOperationState(keymint.OperationFinished)
	c.SetCryptoOperationState(keymint.OperationFinished)
	c.SetCryptoOperationState(keymint.OperationFinished)
	if c.CryptoOperations() != 0 {
		t.Errorf("counter went below zero: %d", c.CryptoOperations())
	}
	if clock.Pending() != 0 {
		t.Error("crypto timer must be cancelled when the last operation finishes")
	}
	if got := c.SessionTimeout(); got != 3*time.Second {
		t.Errorf("SessionTimeout() = %v; want regular timeout", got)
	}
}

func TestController_CryptoTimerForgetsOperations(t *testing.T) {
	c, clock := newController(t)

	c.SetCryptoOperationState(keymint.OperationStarted)
	clock.Advance(10 * time.Second)
	c.SetCryptoOperationState(keymint.OperationStarted)

	clock.Advance(15 * time.Second)
	if c.CryptoOperations() != 2 {
		t.Fatalf("restart must rearm the timer; got %d operations", c.CryptoOperations())
	}
	clock.Advance(5 * time.Second)
	if c.CryptoOperations() != 0 {
		t.Errorf("CryptoOperations() = %d after expiry; want 0", c.CryptoOperations())
	}
}

func TestController_TimeoutPrecedence(t *testing.T) {
	c, _ := newController(t)

	c.SetCryptoOperationState(keymint.OperationStarted)
	c.ParseResponse(selectUpgrade)
	if got := c.SessionTimeout(); got != 40*time.Second {
		t.Errorf("update in progress must win over crypto operations; got %v", got)
	}
}
