package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porticodev/portico/internal/audit"
	"github.com/porticodev/portico/internal/config"
	"github.com/porticodev/portico/internal/credguard"
	"github.com/porticodev/portico/internal/directory"
	"github.com/porticodev/portico/internal/model"
	"github.com/porticodev/portico/internal/routing"
	"github.com/porticodev/portico/internal/statusapi"
	"github.com/porticodev/portico/internal/store"
	"github.com/porticodev/portico/internal/tunnel"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "connect":
		runConnect(os.Args[2:])
	case "tunnels":
		runTunnels(os.Args[2:])
	case "version":
		fmt.Printf("portico %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: portico <command> [flags]

commands:
  connect <target-id>  resolve a route and open a tunnel when mediated
  tunnels              list live tunnels from a running instance
  version              print the version`)
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	forceDirect := fs.Bool("force-direct", false, "bypass mediation and connect to the target address directly")
	preferDirect := fs.Bool("prefer-direct", false, "prefer the target's public address when it has one")
	via := fs.String("via", "", "pin a specific mediating host by id or name")
	autoCreate := fs.Bool("auto-create", false, "request host provisioning when no path exists")
	timeout := fs.Duration("timeout", 0, "tunnel open timeout (overrides config)")
	statusAddr := fs.String("status-addr", "", "status API address (overrides config)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("usage: portico connect [flags] <target-id>")
	}
	targetID := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inv, err := buildInventory(cfg)
	if err != nil {
		log.Fatalf("init inventory: %v", err)
	}
	dir := directory.New(inv)
	guard := credguard.New(credguard.NewTokenFileSource(cfg.CredentialTokenPath))

	registry := tunnel.NewRegistry()
	builder := tunnel.SSMCommandBuilder{Region: cfg.Region, RemotePort: cfg.RemotePort}
	manager := tunnel.NewManager(registry, builder, currentOwner())

	var hinter routing.AffinityHinter
	var recorder routing.AffinityRecorder
	var auditLog statusapi.AuditLister
	sinks := audit.Fanout{audit.LogSink{}}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		if err := st.CleanupStaleAffinity(ctx, cfg.AffinityTTL()); err != nil {
			log.Printf("event=affinity_cleanup_failed err=%v", err)
		}
		hinter = st
		recorder = st
		auditLog = st
		sinks = append(sinks, store.NewAuditSink(st))
	}

	peered, err := cfg.PeeredScopes()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	resolver := routing.NewResolver(dir, guard, routing.ResolverOptions{
		Affinity:         hinter,
		PeeredNetworks:   peered,
		CredentialMargin: cfg.CredentialMargin(),
	})
	openTimeout := cfg.OpenTimeout()
	if *timeout > 0 {
		openTimeout = *timeout
	}
	router := routing.NewRouter(resolver, routing.OpenerFromManager(manager), routing.RouterOptions{
		Sink:        sinks,
		Affinity:    recorder,
		RemotePort:  cfg.RemotePort,
		OpenTimeout: openTimeout,
	})

	serveAddr := cfg.StatusAddr
	if *statusAddr != "" {
		serveAddr = *statusAddr
	}
	go func() {
		handler := statusapi.NewRouter(cfg.StatusToken, registry, auditLog)
		if err := statusapi.Serve(ctx, serveAddr, handler); err != nil {
			log.Printf("event=status_api_stopped err=%v", err)
		}
	}()
	tunnel.NewWatchdog(manager, cfg.WatchdogInterval()).Start(ctx)

	target, err := dir.Target(ctx, targetID)
	if err != nil {
		log.Fatalf("lookup target: %v", err)
	}

	endpoint, err := router.Connect(ctx, target, preferences(*forceDirect, *preferDirect, *via, *autoCreate))
	if err != nil {
		log.Fatalf("connect %s: %v", targetID, err)
	}
	fmt.Println(endpoint.Addr())

	if len(registry.List()) == 0 {
		// Direct route: nothing to keep alive.
		return
	}
	promoteActive(manager, endpoint)
	log.Printf("portico holding tunnel for %s, ctrl-c to close", targetID)
	<-ctx.Done()
	log.Printf("event=shutdown draining tunnels")
	manager.DrainAll()
}

func runTunnels(args []string) {
	fs := flag.NewFlagSet("tunnels", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	statusAddr := fs.String("status-addr", "", "status API address (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	addr := cfg.StatusAddr
	if *statusAddr != "" {
		addr = *statusAddr
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/v1/tunnels", nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	if cfg.StatusToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.StatusToken)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("query status api at %s: %v", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Fatalf("status api returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Tunnels []model.SessionSummary `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Fatalf("decode response: %v", err)
	}
	if err := writeTunnelTable(os.Stdout, payload.Tunnels); err != nil {
		log.Fatalf("write table: %v", err)
	}
}

func preferences(forceDirect, preferDirect bool, via string, autoCreate bool) routing.Preferences {
	return routing.Preferences{
		ForceDirect:  forceDirect,
		PreferDirect: preferDirect,
		NamedHost:    via,
		AutoCreate:   autoCreate,
	}
}

func buildInventory(cfg config.Config) (directory.Inventory, error) {
	switch cfg.Provider {
	case "aws":
		return directory.NewEC2Inventory(cfg.Region)
	default:
		return demoInventory(), nil
	}
}

// demoInventory backs the fake provider with a small fixed catalog so the
// full connect path can be exercised without cloud credentials.
func demoInventory() *directory.FakeInventory {
	return &directory.FakeInventory{
		Hosts: []model.MediatingHost{
			{ID: "host-demo-1", Name: "demo-bastion", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-demo"},
		},
		Targets: map[string]model.RemoteTarget{
			"target-private": {ID: "target-private", Name: "demo-private", PrivateIP: "10.0.0.10", NetworkID: "vpc-demo"},
			"target-public":  {ID: "target-public", Name: "demo-public", PrivateIP: "10.0.0.11", PublicIP: "198.51.100.4", NetworkID: "vpc-demo"},
		},
	}
}

func writeTunnelTable(w io.Writer, tunnels []model.SessionSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tHOST\tLOCAL PORT\tSTATE\tSTARTED")
	for _, t := range tunnels {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.TargetID, t.HostID, t.LocalPort, t.State, t.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// promoteActive dials the freshly opened tunnel once and records the first
// successful pass-through on its session.
func promoteActive(manager *tunnel.Manager, endpoint model.Endpoint) bool {
	conn, err := net.DialTimeout("tcp", endpoint.Addr(), 3*time.Second)
	if err != nil {
		log.Printf("event=endpoint_verify_failed addr=%s err=%v", endpoint.Addr(), err)
		return false
	}
	conn.Close()
	for _, sess := range manager.Registry().Sessions() {
		if sess.Port() == endpoint.Port {
			manager.MarkActive(sess)
			return true
		}
	}
	return false
}

func currentOwner() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
