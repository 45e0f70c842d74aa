// Command executor is the multi-tenant module executor CLI. It dispatches to
// one of the subcommands in spec.md §6: run, verify-env, sign, inspect,
// export-pubkey-hashes, upgrade, sign-upgrade, inspect-state, and
// export-dashboard.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nightcore/executor/internal/aufs"
	"github.com/nightcore/executor/internal/audit"
	"github.com/nightcore/executor/internal/config"
	nccrypto "github.com/nightcore/executor/internal/crypto"
	"github.com/nightcore/executor/internal/dashboard"
	"github.com/nightcore/executor/internal/manifest"
	"github.com/nightcore/executor/internal/mirror"
	"github.com/nightcore/executor/internal/orchestrator"
	"github.com/nightcore/executor/internal/proof"
	"github.com/nightcore/executor/internal/sandbox"
	"github.com/nightcore/executor/internal/state"
	"github.com/nightcore/executor/internal/supervisor"
	"github.com/nightcore/executor/internal/watcher"
)

// runningVersion is this binary's own version string, compared against an
// upgrade manifest's previous_version field by the `upgrade` subcommand's
// rollback protection (spec.md §4.2).
const runningVersion = "v1.0.0"

func main() {
	logger := newLogger(os.Getenv("EXECUTOR_LOG_LEVEL"))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:], logger)
	case "verify-env":
		err = cmdVerifyEnv(os.Args[2:], logger)
	case "sign":
		err = cmdSign(os.Args[2:])
	case "inspect":
		err = cmdInspect(os.Args[2:])
	case "export-pubkey-hashes":
		err = cmdExportPubkeyHashes(os.Args[2:])
	case "upgrade":
		err = cmdUpgrade(os.Args[2:], logger)
	case "sign-upgrade":
		err = cmdSignUpgrade(os.Args[2:])
	case "inspect-state":
		err = cmdInspectState(os.Args[2:])
	case "export-dashboard":
		err = cmdExportDashboard(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: executor <command> [flags]

commands:
  run --all [--proof] [--parallel N] [--backend B] [--watch]
  run --path DIR [--proof]
  verify-env
  sign --dir D --key K
  inspect --dir D
  export-pubkey-hashes [--root R]
  upgrade --manifest M [--root R]
  sign-upgrade --manifest M --key K --out OUT
  inspect-state --tenant T [--summary] | --all-tenants [--root R]
  export-dashboard [--diff] [--root R]`)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func resolveBackend(name string) (sandbox.Backend, error) {
	switch name {
	case "", "wazero":
		return sandbox.NewBytecodeBackend(), nil
	case "microvm":
		return sandbox.NewMicrovmBackend(nil), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want wazero or microvm)", name)
	}
}

// ── run ──────────────────────────────────────────────────────────────────

func cmdRun(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	all := fs.Bool("all", false, "discover and execute every tenant under modules/")
	path := fs.String("path", "", "execute a single tenant directory")
	proofMode := fs.Bool("proof", false, "cap concurrency at 2 to avoid proof file interleaving")
	parallel := fs.Int("parallel", runtime.NumCPU(), "number of tenants to run concurrently")
	backendName := fs.String("backend", "wazero", "sandbox backend: wazero | microvm")
	root := fs.String("root", ".", "executor root directory (holds modules/, state/, logs/)")
	watch := fs.Bool("watch", false, "stay resident, re-running whenever a tenant directory is added or removed")
	mirrorEndpoint := fs.String("mirror-endpoint", "", "optional: push run reports to this compliance mirror")
	mirrorToken := fs.String("mirror-token", "", "bearer token for --mirror-endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	backend, err := resolveBackend(*backendName)
	if err != nil {
		return err
	}

	if *path != "" {
		if *all {
			return errors.New("run: --all and --path are mutually exclusive")
		}
		p, err := runSingleTenant(context.Background(), *path, backend, logger)
		if err != nil {
			printProof(p)
			return err
		}
		return printProof(p)
	}

	if !*all {
		return errors.New("run: one of --all or --path is required")
	}

	orch := orchestrator.New(*root, backend, logger,
		orchestrator.WithParallel(*parallel),
		orchestrator.WithProofMode(*proofMode),
	)

	if !*watch {
		report, err := orch.Run(context.Background())
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		return printReport(report)
	}

	return runWatch(orch, *root, *mirrorEndpoint, *mirrorToken, logger)
}

// runSingleTenant executes the pipeline described in spec.md §4.6 for one
// tenant directory named outside of the conventional modules/ layout.
func runSingleTenant(ctx context.Context, dir string, backend sandbox.Backend, logger *slog.Logger) (proof.ExecProof, error) {
	tenant := filepath.Base(dir)
	rootDir := filepath.Dir(filepath.Dir(dir)) // best-effort: dir's grandparent, used only for audit/state colocation

	m, err := manifest.Load(dir)
	if err != nil {
		return proof.ExecProof{}, fmt.Errorf("run: load manifest: %w", err)
	}

	if err := manifest.SyncPubkey(dir, tenant, logger); err != nil {
		logger.Warn("pubkey sync failed", slog.String("tenant", tenant), slog.Any("error", err))
	}

	modulePath := filepath.Join(dir, "module.wasm")
	signerKeyB64, err := backend.Verify(modulePath)
	if err != nil {
		return proof.ExecProof{}, fmt.Errorf("run: verify: %w", err)
	}

	cfg := proof.ExecConfig{
		Tenant:      tenant,
		ModulePath:  modulePath,
		Permissions: m.Permissions,
		PreopenDirs: sandbox.PreopenDirs(dir),
		FuelCap:     &m.FuelLimit,
		TimeLimitMS: &m.TimeoutMS,
	}

	p, execErr := backend.Execute(ctx, cfg)
	p.SignerKeyB64 = signerKeyB64

	st, stErr := state.Open(rootDir, tenant)
	if stErr == nil {
		defer st.Close()
		if recErr := proof.RecordRun(ctx, st, p); recErr != nil {
			logger.Warn("failed to record proof", slog.Any("error", recErr))
		}
	} else {
		logger.Warn("failed to open state store", slog.Any("error", stErr))
	}

	if auditLog, auditErr := audit.Open(rootDir); auditErr == nil {
		event := "tenant_run_ok"
		if !p.OK() {
			event = "tenant_run_failed"
		}
		if _, err := auditLog.Append(ctx, event, p); err != nil {
			logger.Warn("failed to append audit entry", slog.Any("error", err))
		}
	}

	return p, execErr
}

func printProof(p proof.ExecProof) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func printReport(report orchestrator.RunReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// runWatch keeps the process resident: it wires a TenantWatcher and,
// optionally, a mirror client into a supervisor.Supervisor and blocks until
// SIGINT/SIGTERM.
func runWatch(orch *orchestrator.Orchestrator, rootDir, mirrorEndpoint, mirrorToken string, logger *slog.Logger) error {
	tw := watcher.NewTenantWatcher(rootDir, logger, watcher.DefaultPollInterval)

	opts := []supervisor.Option{
		supervisor.WithRunner(orch),
		supervisor.WithTenantSource(tw),
	}
	if mirrorEndpoint != "" {
		origin, _ := os.Hostname()
		client := mirror.New(mirrorEndpoint, mirrorToken, origin, 5*time.Second, logger)
		opts = append(opts, supervisor.WithMirror(client))
	}

	cfg := &config.Config{RootDir: rootDir}
	sup := supervisor.New(cfg, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("run --watch: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", sup.HealthzHandler)
	healthServer := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		logger.Info("healthz server listening", slog.String("addr", ":8081"))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	waitForSignal(logger)

	sup.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)
	return nil
}

// ── verify-env ───────────────────────────────────────────────────────────

// cmdVerifyEnv runs a self-test of the Ed25519 sign/verify round-trip a real
// tenant run depends on and constructs the bytecode backend, without
// requiring any tenant to exist. No wazero runtime is built and no module is
// run.
func cmdVerifyEnv(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("verify-env", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("verify-env: generate key: %w", err)
	}
	msg := []byte("executor self-test")
	sig, err := nccrypto.Sign(priv, msg)
	if err != nil {
		return fmt.Errorf("verify-env: sign: %w", err)
	}
	ok, err := nccrypto.Verify(pub, msg, sig)
	if err != nil || !ok {
		return fmt.Errorf("verify-env: crypto round-trip failed: ok=%v err=%v", ok, err)
	}

	backend := sandbox.NewBytecodeBackend()
	if backend.Name() != "wazero" {
		return fmt.Errorf("verify-env: unexpected backend name %q", backend.Name())
	}

	logger.Info("verify-env: crypto primitives and bytecode backend constructed successfully")
	fmt.Println("ok")
	return nil
}

// ── sign ─────────────────────────────────────────────────────────────────

func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	dir := fs.String("dir", "", "tenant directory containing module.wasm")
	keyPath := fs.String("key", "", "path to a file holding a base64-encoded Ed25519 private key seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *keyPath == "" {
		return errors.New("sign: --dir and --key are required")
	}

	keyRaw, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("sign: read key %q: %w", *keyPath, err)
	}
	priv, err := nccrypto.DecodePrivateKeyB64(strings.TrimSpace(string(keyRaw)))
	if err != nil {
		return fmt.Errorf("sign: decode key: %w", err)
	}

	modulePath := filepath.Join(*dir, "module.wasm")
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("sign: read module %q: %w", modulePath, err)
	}

	sig, err := nccrypto.Sign(priv, wasm)
	if err != nil {
		return fmt.Errorf("sign: sign module: %w", err)
	}
	if err := os.WriteFile(filepath.Join(*dir, "module.sig"), []byte(nccrypto.EncodeB64(sig)), 0o644); err != nil {
		return fmt.Errorf("sign: write module.sig: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if err := os.WriteFile(filepath.Join(*dir, "pubkey.b64"), []byte(nccrypto.EncodeB64(pub)), 0o644); err != nil {
		return fmt.Errorf("sign: write pubkey.b64: %w", err)
	}

	fmt.Printf("signed %s\n", modulePath)
	return nil
}

// ── inspect ──────────────────────────────────────────────────────────────

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", "", "tenant directory containing manifest.json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("inspect: --dir is required")
	}

	m, err := manifest.Load(*dir)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ── export-pubkey-hashes ───────────────────────────────────────────────────

func cmdExportPubkeyHashes(args []string) error {
	fs := flag.NewFlagSet("export-pubkey-hashes", flag.ExitOnError)
	root := fs.String("root", ".", "executor root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tenants, err := orchestrator.DiscoverTenants(*root)
	if err != nil {
		return fmt.Errorf("export-pubkey-hashes: %w", err)
	}

	type row struct {
		Name       string `json:"name"`
		PubkeyHash string `json:"pubkey_hash"`
	}

	enc := json.NewEncoder(os.Stdout)
	for _, tenant := range tenants {
		pubPath := filepath.Join(*root, "modules", tenant, "pubkey.b64")
		raw, err := os.ReadFile(pubPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export-pubkey-hashes: %s: %v\n", tenant, err)
			continue
		}
		pub, err := nccrypto.DecodeB64(strings.TrimSpace(string(raw)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "export-pubkey-hashes: %s: %v\n", tenant, err)
			continue
		}
		if err := enc.Encode(row{Name: tenant, PubkeyHash: nccrypto.Fingerprint(pub)}); err != nil {
			return err
		}
	}
	return nil
}

// ── upgrade ──────────────────────────────────────────────────────────────

func cmdUpgrade(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	manifestPath := fs.String("manifest", "upgrades/manifests/upgrade_manifest.json", "path to the upgrade manifest")
	root := fs.String("root", ".", "repo root hint for AUFS discovery")
	if err := fs.Parse(args); err != nil {
		return err
	}

	auditLog, err := audit.Open(*root)
	if err != nil {
		return fmt.Errorf("upgrade: open audit log: %w", err)
	}

	result, err := aufs.VerifyUpgrade(context.Background(), *root, *manifestPath, runningVersion, auditLog)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	logger.Info("upgrade accepted",
		slog.String("version", result.Manifest.Version),
		slog.Int("valid_count", result.ValidCount),
		slog.Int("required", result.Required),
	)
	fmt.Printf("upgrade accepted: version=%s valid_signatures=%d/%d\n",
		result.Manifest.Version, result.ValidCount, result.Required)
	return nil
}

// ── sign-upgrade ───────────────────────────────────────────────────────────

func cmdSignUpgrade(args []string) error {
	fs := flag.NewFlagSet("sign-upgrade", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "path to the upgrade manifest to sign")
	keyPath := fs.String("key", "", "path to a file holding a base64-encoded Ed25519 private key seed")
	out := fs.String("out", "", "output .sig path (defaults to upgrades/signatures/<version>_<keyname>.sig)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" || *keyPath == "" {
		return errors.New("sign-upgrade: --manifest and --key are required")
	}

	keyRaw, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("sign-upgrade: read key %q: %w", *keyPath, err)
	}
	priv, err := nccrypto.DecodePrivateKeyB64(strings.TrimSpace(string(keyRaw)))
	if err != nil {
		return fmt.Errorf("sign-upgrade: decode key: %w", err)
	}

	outPath := *out
	if outPath == "" {
		raw, err := os.ReadFile(*manifestPath)
		if err != nil {
			return fmt.Errorf("sign-upgrade: read manifest: %w", err)
		}
		var m aufs.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("sign-upgrade: parse manifest: %w", err)
		}
		keyName := strings.TrimSuffix(filepath.Base(*keyPath), filepath.Ext(*keyPath))
		outPath = filepath.Join("upgrades", "signatures", fmt.Sprintf("%s_%s.sig", m.Version, keyName))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("sign-upgrade: create signature dir: %w", err)
	}
	if err := aufs.SignManifest(*manifestPath, outPath, priv); err != nil {
		return fmt.Errorf("sign-upgrade: %w", err)
	}

	fmt.Printf("wrote %s\n", outPath)
	return nil
}

// ── inspect-state ──────────────────────────────────────────────────────────

func cmdInspectState(args []string) error {
	fs := flag.NewFlagSet("inspect-state", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant name")
	summary := fs.Bool("summary", false, "print only the per-tenant summary, not the full history")
	allTenants := fs.Bool("all-tenants", false, "print summaries for every tenant under modules/")
	root := fs.String("root", ".", "executor root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *allTenants {
		tenants, err := orchestrator.DiscoverTenants(*root)
		if err != nil {
			return fmt.Errorf("inspect-state: %w", err)
		}
		for _, t := range tenants {
			s, err := tenantSummary(ctx, *root, t)
			if err != nil {
				fmt.Fprintf(os.Stderr, "inspect-state: %s: %v\n", t, err)
				continue
			}
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}

	if *tenant == "" {
		return errors.New("inspect-state: --tenant or --all-tenants is required")
	}

	st, err := state.Open(*root, *tenant)
	if err != nil {
		return fmt.Errorf("inspect-state: open state: %w", err)
	}
	defer st.Close()

	history, err := proof.History(ctx, st)
	if err != nil {
		return fmt.Errorf("inspect-state: %w", err)
	}

	if *summary {
		return enc.Encode(proof.Summarize(*tenant, history, zeroSize))
	}
	return enc.Encode(history)
}

func tenantSummary(ctx context.Context, root, tenant string) (proof.Summary, error) {
	st, err := state.Open(root, tenant)
	if err != nil {
		return proof.Summary{}, err
	}
	defer st.Close()

	history, err := proof.History(ctx, st)
	if err != nil {
		return proof.Summary{}, err
	}
	return proof.Summarize(tenant, history, zeroSize), nil
}

func zeroSize(proof.ExecProof) int64 { return 0 }

// ── export-dashboard ───────────────────────────────────────────────────────

func cmdExportDashboard(args []string) error {
	fs := flag.NewFlagSet("export-dashboard", flag.ExitOnError)
	diff := fs.Bool("diff", false, "include a diff-vs-previous block for each tenant")
	root := fs.String("root", ".", "executor root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	page, err := dashboard.Build(context.Background(), *root, *diff)
	if err != nil {
		return fmt.Errorf("export-dashboard: %w", err)
	}
	return dashboard.Render(os.Stdout, page)
}
