package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/gregLibert/strongbox-bridge/pkg/access"
	"github.com/gregLibert/strongbox-bridge/pkg/authsecret"
	"github.com/gregLibert/strongbox-bridge/pkg/emulator"
	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/service"
	"github.com/gregLibert/strongbox-bridge/pkg/session"
	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

const defaultAddr = "127.0.0.1:9025"

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "transport",
		Value: "socket",
		Usage: "how to reach the applet: 'socket', 'pcsc', or 'fallback' (PC/SC, then socket)",
	},
	&cli.StringFlag{
		Name:  "network",
		Value: "tcp",
		Usage: "socket network: 'tcp' or 'unix'",
	},
	&cli.StringFlag{
		Name:  "addr",
		Value: defaultAddr,
		Usage: "socket address of the applet or emulator",
	},
	&cli.StringFlag{
		Name:  "reader",
		Value: "",
		Usage: "PC/SC reader name or prefix; empty selects the first reader",
	},
	&cli.StringFlag{
		Name:  "aid",
		Value: hex.EncodeToString(transport.DefaultAID),
		Usage: "hex AID of the KeyMint applet",
	},
	&cli.IntFlag{
		Name:  "keymint-version",
		Value: int(keymint.KeyMint4),
		Usage: "KeyMint generation spoken by the applet (3 or 4)",
	},
	&cli.IntFlag{
		Name:  "select-retries",
		Value: transport.DefaultConfig().SelectRetries,
		Usage: "rounds of applet selection before giving up",
	},
	&cli.DurationFlag{
		Name:  "select-retry-delay",
		Value: transport.DefaultConfig().SelectRetryDelay,
		Usage: "pause between selection rounds",
	},
	&cli.DurationFlag{
		Name:  "io-timeout",
		Value: 10 * time.Second,
		Usage: "socket deadline of a single exchange",
	},
	&cli.DurationFlag{
		Name:  "session-timeout",
		Value: access.DefaultConfig().RegularTimeout,
		Usage: "idle time before the channel is closed",
	},
	&cli.DurationFlag{
		Name:  "crypto-op-timeout",
		Value: access.DefaultConfig().CryptoOpTimeout,
		Usage: "idle time allowed while a crypto operation runs",
	},
	&cli.IntFlag{
		Name:  "shared-secret-retries",
		Value: service.DefaultSharedSecretRetries,
		Usage: "communication failures reported before falling back to zero shared secret parameters",
	},
	&cli.UintFlag{
		Name:  "os-version",
		Usage: "OS version sent with card initialisation",
	},
	&cli.UintFlag{
		Name:  "os-patch-level",
		Usage: "OS patch level (YYYYMM) sent with card initialisation",
	},
	&cli.UintFlag{
		Name:  "vendor-patch-level",
		Usage: "vendor patch level (YYYYMMDD) sent with card initialisation",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
}

func main() {
	app := &cli.App{
		Name:  "strongbox-bridge",
		Usage: "Talk to a StrongBox KeyMint applet over PC/SC or a socket",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:  "emulator",
				Usage: "Serve a simulated applet on --addr",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "upgrading", Usage: "report an applet upgrade in the SELECT response"},
				},
				Action: runEmulator,
			},
			{
				Name:   "select",
				Usage:  "Select the applet and print its FCI and the access state",
				Action: runSelect,
			},
			{
				Name:      "send",
				Usage:     "Send one KeyMint instruction with a raw CBOR payload",
				ArgsUsage: "INS [HEX-PAYLOAD]",
				Action:    runSend,
			},
			{
				Name:   "shared-secret",
				Usage:  "Fetch the applet's shared secret parameters",
				Action: runSharedSecret,
			},
			{
				Name:   "early-boot-ended",
				Usage:  "Signal the end of early boot",
				Action: runEarlyBootEnded,
			},
			{
				Name:   "delete-all-keys",
				Usage:  "Delete every key held by the applet",
				Action: runDeleteAllKeys,
			},
			{
				Name:   "hw-info",
				Usage:  "Print the KeyMint and remote provisioning hardware information",
				Action: runHardwareInfo,
			},
			{
				Name:      "auth-secret",
				Usage:     "Send the primary user credential to the IAR applet",
				ArgsUsage: "HEX-SECRET",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "framing", Value: authsecret.FramingCBOR.String(), Usage: "VERIFY PIN layout: 'cbor' or 'tagged'"},
					&cli.DurationFlag{Name: "approval-timeout", Usage: "approval lifetime requested from the applet; zero leaves it to the applet"},
					&cli.BoolFlag{Name: "clear", Usage: "clear the approved status instead of sending a secret"},
				},
				Action: runAuthSecret,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// =========================================================================
// Setup
// =========================================================================

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool("log-debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cCtx.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	slog.SetDefault(logger)
	return logger
}

// recordingGate keeps the last SELECT response seen by the access policy.
type recordingGate struct {
	*access.Controller
	last []byte
}

func (g *recordingGate) ParseResponse(resp []byte) {
	g.last = append([]byte(nil), resp...)
	g.Controller.ParseResponse(resp)
}

// bridge is the host stack built from the global flags.
type bridge struct {
	log       *slog.Logger
	gate      *recordingGate
	transport transport.Transport
	session   *session.Manager
}

func newBridge(cCtx *cli.Context) (*bridge, error) {
	logger := setupLogger(cCtx)

	aid, err := hex.DecodeString(cCtx.String("aid"))
	if err != nil || len(aid) == 0 {
		return nil, fmt.Errorf("invalid --aid %q", cCtx.String("aid"))
	}
	version, err := keymint.ParseVersion(cCtx.Int("keymint-version"))
	if err != nil {
		return nil, err
	}

	accessCfg := access.DefaultConfig()
	accessCfg.RegularTimeout = cCtx.Duration("session-timeout")
	accessCfg.CryptoOpTimeout = cCtx.Duration("crypto-op-timeout")
	accessCfg.Log = logger
	gate := &recordingGate{Controller: access.New(accessCfg)}

	base := transport.Config{
		AID:              aid,
		SelectRetries:    cCtx.Int("select-retries"),
		SelectRetryDelay: cCtx.Duration("select-retry-delay"),
		Gate:             gate,
		Log:              logger,
	}

	tr, err := newTransport(cCtx, base)
	if err != nil {
		return nil, err
	}

	mgr, err := session.New(session.Config{
		Transport: tr,
		Access:    gate.Controller,
		Version:   version,
		SystemInfo: session.StaticSystemInfo{
			OSVersion:        uint32(cCtx.Uint("os-version")),
			OSPatchLevel:     uint32(cCtx.Uint("os-patch-level")),
			VendorPatchLevel: uint32(cCtx.Uint("vendor-patch-level")),
		},
		Log: logger,
	})
	if err != nil {
		return nil, err
	}

	return &bridge{log: logger, gate: gate, transport: tr, session: mgr}, nil
}

func newTransport(cCtx *cli.Context, base transport.Config) (transport.Transport, error) {
	socket := func() transport.Transport {
		return transport.NewSocket(transport.SocketConfig{
			Config:    base,
			Network:   cCtx.String("network"),
			Addr:      cCtx.String("addr"),
			IOTimeout: cCtx.Duration("io-timeout"),
		})
	}
	pcsc := func() transport.Transport {
		return transport.NewPCSC(transport.PCSCConfig{Config: base, Reader: cCtx.String("reader")})
	}

	switch cCtx.String("transport") {
	case "socket":
		return socket(), nil
	case "pcsc":
		return pcsc(), nil
	case "fallback":
		return transport.NewFallback(pcsc(), socket(), base.Log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cCtx.String("transport"))
	}
}

func (b *bridge) close() {
	if err := b.session.Close(); err != nil {
		b.log.Warn("closing session failed", "error", err)
	}
}

// =========================================================================
// Commands
// =========================================================================

func runEmulator(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	version, err := keymint.ParseVersion(cCtx.Int("keymint-version"))
	if err != nil {
		return err
	}
	aid, err := hex.DecodeString(cCtx.String("aid"))
	if err != nil {
		return fmt.Errorf("invalid --aid: %w", err)
	}

	cfg := emulator.DefaultConfig()
	cfg.AID = aid
	cfg.Version = version
	cfg.Log = logger
	applet, err := emulator.New(cfg)
	if err != nil {
		return err
	}
	applet.SetUpgrading(cCtx.Bool("upgrading"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return emulator.NewServer(applet, logger).ListenAndServe(ctx, cCtx.String("network"), cCtx.String("addr"))
}

func runSelect(cCtx *cli.Context) error {
	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.transport.Open(); err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	fmt.Println("\n=============================================")
	fmt.Println(" SELECT StrongBox applet")
	fmt.Println("=============================================")

	resp := b.gate.last
	if len(resp) < 2 {
		return fmt.Errorf("no SELECT response recorded")
	}
	sel, err := iso7816.ParseAppletSelect(resp[:len(resp)-2])
	if err != nil {
		return fmt.Errorf("parsing SELECT response: %w", err)
	}
	fmt.Println(sel.Describe())

	fmt.Println("\n=== ACCESS STATE ===")
	fmt.Printf("    - Boot state:       %s\n", b.gate.BootState())
	fmt.Printf("    - Access allowed:   %t\n", b.gate.AccessAllowed())
	fmt.Printf("    - Upgrade pending:  %t\n", b.gate.UpdateInProgress())
	fmt.Printf("    - Session timeout:  %s\n", b.gate.SessionTimeout())
	return nil
}

func runSend(cCtx *cli.Context) error {
	if cCtx.NArg() < 1 {
		return fmt.Errorf("usage: send INS [HEX-PAYLOAD]")
	}
	ins, err := strconv.ParseUint(strings.TrimPrefix(cCtx.Args().Get(0), "0x"), 16, 8)
	if err != nil {
		return fmt.Errorf("invalid INS %q: %w", cCtx.Args().Get(0), err)
	}
	payload, err := hex.DecodeString(strings.Join(strings.Fields(strings.Join(cCtx.Args().Tail(), "")), ""))
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	arr, err := b.session.Request(keymint.Instruction(ins), payload)
	if arr == nil && err != nil {
		return err
	}
	if err != nil {
		fmt.Printf("Applet error: %v\n", err)
	}

	fmt.Printf("%s: %d response element(s)\n", keymint.Instruction(ins), len(arr))
	for i := range arr {
		raw, _ := arr.Raw(i)
		fmt.Printf("  [%d] %X\n", i, []byte(raw))
	}
	return nil
}

func runSharedSecret(cCtx *cli.Context) error {
	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	params, err := service.NewSharedSecret(b.session, cCtx.Int("shared-secret-retries"), b.log).GetSharedSecretParameters()
	if err != nil {
		return err
	}
	fmt.Printf("Seed:  %X\n", params.Seed)
	fmt.Printf("Nonce: %X\n", params.Nonce)
	return nil
}

func runEarlyBootEnded(cCtx *cli.Context) error {
	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	if err := service.NewKeyMint(b.session, b.log).EarlyBootEnded(); err != nil {
		return err
	}
	return reportPending(b)
}

func runDeleteAllKeys(cCtx *cli.Context) error {
	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	if err := service.NewKeyMint(b.session, b.log).DeleteAllKeys(); err != nil {
		return err
	}
	return reportPending(b)
}

// reportPending fails when a latched event could not be delivered.
func reportPending(b *bridge) error {
	p := b.session.Pending()
	fmt.Printf("Pending events: card-init=%t delete-all-keys=%t early-boot-ended=%t\n",
		p.CardInit, p.DeleteAllKeys, p.EarlyBootEnded)
	if p != (session.PendingEvents{}) {
		return fmt.Errorf("applet did not accept every event")
	}
	return nil
}

func runHardwareInfo(cCtx *cli.Context) error {
	b, err := newBridge(cCtx)
	if err != nil {
		return err
	}
	defer b.close()

	info, err := service.NewKeyMint(b.session, b.log).GetHardwareInfo()
	if err != nil {
		return err
	}
	fmt.Println("=== KEYMINT HARDWARE INFO ===")
	fmt.Printf("    - Version:          %d\n", info.Version)
	fmt.Printf("    - Security level:   %s\n", info.SecurityLevel)
	fmt.Printf("    - Name:             %s\n", info.KeyMintName)
	fmt.Printf("    - Author:           %s\n", info.KeyMintAuthor)
	fmt.Printf("    - Timestamp tokens: %t\n", info.TimestampTokenRequired)

	rkp, err := service.NewProvisioning(b.session, b.log).GetHardwareInfo()
	if err != nil {
		b.log.Warn("remote provisioning info unavailable", "error", err)
		return nil
	}
	fmt.Println("\n=== REMOTE PROVISIONING INFO ===")
	fmt.Printf("    - Version:          %d\n", rkp.VersionNumber)
	fmt.Printf("    - Author:           %s\n", rkp.AuthorName)
	fmt.Printf("    - EEK curve:        %d\n", rkp.SupportedEekCurve)
	fmt.Printf("    - Unique ID:        %s\n", rkp.UniqueID)
	fmt.Printf("    - Keys per CSR:     %d\n", rkp.SupportedNumKeysInCsr)
	return nil
}

func runAuthSecret(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	framing, err := authsecret.ParseFraming(cCtx.String("framing"))
	if err != nil {
		return err
	}

	base := transport.Config{
		AID:              authsecret.AID,
		SelectRetries:    cCtx.Int("select-retries"),
		SelectRetryDelay: cCtx.Duration("select-retry-delay"),
		Log:              logger,
	}
	tr, err := newTransport(cCtx, base)
	if err != nil {
		return err
	}

	client := authsecret.New(authsecret.Config{
		Transport:      tr,
		Framing:        framing,
		RequestTimeout: cCtx.Duration("approval-timeout"),
		Log:            logger,
	})
	defer client.Close()

	if cCtx.Bool("clear") {
		if err := client.ClearApprovedStatus(); err != nil {
			return err
		}
		fmt.Println("Approved status cleared")
		return nil
	}

	if cCtx.NArg() != 1 {
		return fmt.Errorf("usage: auth-secret HEX-SECRET")
	}
	secret, err := hex.DecodeString(strings.Join(strings.Fields(cCtx.Args().First()), ""))
	if err != nil {
		return fmt.Errorf("invalid secret: %w", err)
	}

	lifetime, err := client.SetPrimaryUserCredential(secret)
	if err != nil {
		return err
	}
	if lifetime > 0 {
		fmt.Printf("Credential approved for %s\n", lifetime)
	} else {
		fmt.Println("Credential sent")
	}
	return nil
}
