package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"mksmaster/internal/agent"
	"mksmaster/internal/api"
	"mksmaster/internal/config"
	"mksmaster/internal/logging"
	"mksmaster/internal/master"
	"mksmaster/internal/protocol"
	"mksmaster/internal/store"
	"mksmaster/internal/xjson"
)

const usage = `mksmaster - master node for a local node network

Usage:
  mksmaster master run --config <path> [--listen addr] [--data-dir dir] [--stun a,b]
  mksmaster master status --config <path>
  mksmaster guardian run --config <path> [--master addr]
  mksmaster call --master <addr> --command <name> [--payload <json>] [--dest <uuid>] [--root]
  mksmaster upload --master <addr> --file <path> [--chunk-size bytes]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "master":
		handleMaster(os.Args[2:])
	case "guardian":
		handleGuardian(os.Args[2:])
	case "call":
		callCommand(os.Args[2:])
	case "upload":
		uploadCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleMaster(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "master subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		masterRun(args[1:])
	case "status":
		masterStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown master subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func masterRun(args []string) {
	fs := pflag.NewFlagSet("master run", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	dataDir := fs.String("data-dir", "", "data directory")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Master == nil {
		cfg.Master = &config.MasterConfig{}
	}
	pinned := cfg.Master.UUID != ""
	overrideMaster(cfg.Master, *listen, *dataDir, *stunList, *logLevel)
	if err := config.ApplyDefaults(&cfg); err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if !pinned && *configPath != "" {
		if err := config.Save(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist master uuid: %v\n", err)
		}
	}

	logger := logging.Setup(cfg.Master.LogLevel, cfg.Master.LogFormat)
	m, err := master.New(*cfg.Master, master.Options{Logger: logger})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	fatal(m.Run(ctx))
}

func masterStatus(args []string) {
	fs := pflag.NewFlagSet("master status", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Master == nil {
		fatal(errors.New("master config required"))
	}
	if err := config.ApplyDefaults(&cfg); err != nil {
		fatal(err)
	}

	nodes, err := store.OpenNodes(cfg.Master.NodesDBPath())
	if err != nil {
		fatal(err)
	}
	services, err := store.OpenServices(cfg.Master.ServicesDBPath())
	if err != nil {
		fatal(err)
	}

	if list := nodes.List(); len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no installed nodes")
	} else {
		fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-6s  %-7s\n", "UUID", "NAME", "TYPE", "ENABLED")
		for _, n := range list {
			fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-6d  %-7d\n", n.UUID, n.Name, n.Type, n.Enabled)
		}
	}
	fmt.Fprintln(os.Stdout)
	if list := services.List(); len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no on-boot services")
	} else {
		fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-6s  %-7s\n", "SERVICE", "NAME", "TYPE", "ENABLED")
		for _, s := range list {
			fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-6d  %-7d\n", s.UUID, s.Name, s.Type, s.Enabled)
		}
	}
}

func handleGuardian(args []string) {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(os.Stderr, "usage: mksmaster guardian run --config <path>\n")
		os.Exit(2)
	}
	fs := pflag.NewFlagSet("guardian run", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	masterAddr := fs.String("master", "", "master host:port")
	nodesDir := fs.String("nodes-dir", "", "directory holding installed packages")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Guardian == nil {
		cfg.Guardian = &config.GuardianConfig{}
	}
	if *masterAddr != "" {
		cfg.Guardian.Master = *masterAddr
	}
	if *nodesDir != "" {
		cfg.Guardian.NodesDir = *nodesDir
	}
	if err := config.ApplyDefaults(&cfg); err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	logger := logging.Setup(cfg.Guardian.LogLevel, cfg.Guardian.LogFormat)
	ctx, cancel := signalContext()
	defer cancel()
	fatal(agent.New(*cfg.Guardian, agent.Options{Logger: logger}).Serve(ctx))
}

func callCommand(args []string) {
	fs := pflag.NewFlagSet("call", pflag.ExitOnError)
	masterAddr := fs.String("master", "127.0.0.1:16999", "master host:port")
	command := fs.String("command", "", "command name")
	payload := fs.String("payload", "{}", "JSON payload")
	dest := fs.String("dest", "", "destination uuid (default: the master)")
	root := fs.Bool("root", false, "identify as the root node")
	timeout := fs.Duration("timeout", 10*time.Second, "response timeout")
	_ = fs.Parse(args)

	if *command == "" {
		fatal(errors.New("--command is required"))
	}
	raw := xjson.RawMessage(*payload)
	if !xjson.Valid(raw) {
		fatal(errors.New("--payload is not valid JSON"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := dial(ctx, *masterAddr, *root)
	defer c.Close()

	cmd := protocol.Command(*command)
	if cmd == protocol.CmdShutdown {
		// The master never answers shutdown.
		if err := c.Notify(*dest, cmd, raw); err != nil {
			fatal(err)
		}
		fmt.Fprintln(os.Stdout, "shutdown sent")
		return
	}
	resp, err := c.CallRaw(ctx, *dest, cmd, raw)
	if err != nil {
		fatal(err)
	}
	var pretty any
	if err := protocol.GetPayloadFromFrame(resp, &pretty); err != nil {
		fatal(err)
	}
	out, err := xjson.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, string(out))
}

func uploadCommand(args []string) {
	fs := pflag.NewFlagSet("upload", pflag.ExitOnError)
	masterAddr := fs.String("master", "127.0.0.1:16999", "master host:port")
	file := fs.String("file", "", "package archive to upload")
	chunkSize := fs.Int("chunk-size", api.DefaultChunkSize, "chunk size in bytes")
	timeout := fs.Duration("timeout", 5*time.Minute, "upload timeout")
	_ = fs.Parse(args)

	if *file == "" {
		fatal(errors.New("--file is required"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := dial(ctx, *masterAddr, false)
	defer c.Close()

	res, err := c.UploadFile(ctx, *file, *chunkSize)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "uploaded %s: %d chunks, %d bytes; install queued\n", res.File, res.Chunks, res.Size)
}

func dial(ctx context.Context, addr string, root bool) *api.Client {
	id := uuid.NewString()
	if root {
		id = config.DefaultRootUUID
	}
	c, err := api.Dial(ctx, addr, api.Options{
		UUID:      id,
		Name:      "mksmaster-cli",
		LocalType: "NODE",
		Logger:    logging.Setup("warn", "text"),
	})
	if err != nil {
		fatal(err)
	}
	return c
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideMaster(cfg *config.MasterConfig, listen, dataDir, stunList, logLevel string) {
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if stunList != "" {
		cfg.STUNServers = splitList(stunList)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
