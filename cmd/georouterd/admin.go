package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/hmssql/georouter/internal/client"
	"github.com/hmssql/georouter/internal/config"
	"github.com/hmssql/georouter/internal/routing"
)

// adminFlags are the connection options shared by every admin command.
type adminFlags struct {
	socket     string
	tcp        string
	timeout    time.Duration
	jsonOutput bool
}

func (a *adminFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.socket, "socket", config.DefaultSocketPath(), "Unix socket of the sidecar")
	fs.StringVar(&a.tcp, "tcp", "", "Connect over TCP to host:port instead of the unix socket")
	fs.DurationVar(&a.timeout, "timeout", 5*time.Second, "Request timeout")
	fs.BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
}

func (a *adminFlags) dial(ctx context.Context) (*client.Client, error) {
	if a.tcp != "" {
		return client.Dial(ctx, "tcp", a.tcp)
	}
	return client.Dial(ctx, "unix", a.socket)
}

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	var err error
	subcommand := args[0]
	switch subcommand {
	case "ping":
		err = runAdminPing(args[1:], os.Stdout)
	case "route":
		err = runAdminRoute(args[1:], os.Stdout)
	case "metrics":
		err = runAdminMetrics(args[1:], os.Stdout)
	case "update":
		err = runAdminUpdate(args[1:], os.Stdin, os.Stdout)
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: georouterd admin <command> [options]

Commands for a running georouter sidecar.

Commands:
  ping       Check the sidecar is serving
  route      Ask where a query from a client IP would be routed
  metrics    Show request counters and routing table sizes
  update     Replace the routing table from a JSON file

Run 'georouterd admin <command> --help' for more information on a command.`)
}

func newAdminFlagSet(name, usage string, a *adminFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	a.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage+"\n\nOptions:")
		fs.PrintDefaults()
	}
	return fs
}

// withClient dials the sidecar and runs fn under the request timeout.
func withClient(a *adminFlags, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAdminPing(args []string, out io.Writer) error {
	var a adminFlags
	fs := newAdminFlagSet("admin ping", "Usage: georouterd admin ping [options]", &a)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withClient(&a, func(ctx context.Context, c *client.Client) error {
		start := time.Now()
		if err := c.Ping(ctx); err != nil {
			return err
		}
		rtt := time.Since(start)
		if a.jsonOutput {
			return writeJSON(out, map[string]any{"pong": true, "rtt_micros": rtt.Microseconds()})
		}
		fmt.Fprintf(out, "pong (%s)\n", rtt.Round(time.Microsecond))
		return nil
	})
}

func runAdminRoute(args []string, out io.Writer) error {
	var a adminFlags
	fs := newAdminFlagSet("admin route", "Usage: georouterd admin route -ip <address> [-query-type read|write] [options]", &a)
	ipStr := fs.String("ip", "", "Client IP address (required)")
	queryType := fs.String("query-type", "read", "Query type; write is routed to leaders only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ipStr == "" {
		return fmt.Errorf("-ip is required")
	}
	ip, err := netip.ParseAddr(*ipStr)
	if err != nil {
		return fmt.Errorf("invalid -ip %q: %w", *ipStr, err)
	}

	return withClient(&a, func(ctx context.Context, c *client.Client) error {
		rr, err := c.Route(ctx, ip, *queryType)
		if err != nil {
			return err
		}
		if a.jsonOutput {
			return writeJSON(out, rr)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tADDRESS\tDISTANCE_KM\tSTRATEGY\tDECISION_US")
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%d\n",
			rr.NodeID,
			netJoin(rr.Host, rr.Port),
			rr.DistanceKm,
			rr.RoutingStrategy,
			rr.ResponseTimeMicros,
		)
		return w.Flush()
	})
}

func netJoin(host string, port uint16) string {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, port).String()
	}
	return host + ":" + strconv.Itoa(int(port))
}

func runAdminMetrics(args []string, out io.Writer) error {
	var a adminFlags
	fs := newAdminFlagSet("admin metrics", "Usage: georouterd admin metrics [options]", &a)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withClient(&a, func(ctx context.Context, c *client.Client) error {
		m, err := c.Metrics(ctx)
		if err != nil {
			return err
		}
		if a.jsonOutput {
			return writeJSON(out, m)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Requests:\t%d\t(%d ok, %d failed)\n", m.TotalRequests, m.SuccessfulRequests, m.FailedRequests)
		fmt.Fprintf(w, "Latency (us):\tavg %d\tmin %d\tmax %d\n", m.AvgLatencyMicros, m.MinLatencyMicros, m.MaxLatencyMicros)
		fmt.Fprintf(w, "Connections:\t%d\n", m.ActiveConnections)
		fmt.Fprintf(w, "Replicas:\t%d\t(%d healthy, %d leaders)\n", m.ReplicaCount, m.HealthyReplicaCount, m.LeaderCount)
		return w.Flush()
	})
}

func runAdminUpdate(args []string, stdin io.Reader, out io.Writer) error {
	var a adminFlags
	fs := newAdminFlagSet("admin update", `Usage: georouterd admin update -file <replicas.json> [options]

The file holds a JSON array of replicas; "-" reads standard input.`, &a)
	file := fs.String("file", "", "Replica table JSON file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	replicas, err := readReplicas(*file, stdin)
	if err != nil {
		return err
	}

	return withClient(&a, func(ctx context.Context, c *client.Client) error {
		if err := c.UpdateRoutingTable(ctx, replicas); err != nil {
			return err
		}
		if a.jsonOutput {
			return writeJSON(out, map[string]any{"updated": true, "replicas": len(replicas)})
		}
		fmt.Fprintf(out, "routing table updated (%d replicas)\n", len(replicas))
		return nil
	})
}

func readReplicas(path string, stdin io.Reader) ([]routing.ReplicaInfo, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read replicas: %w", err)
	}

	var replicas []routing.ReplicaInfo
	if err := json.Unmarshal(data, &replicas); err != nil {
		return nil, fmt.Errorf("parse replicas: %w", err)
	}
	for _, r := range replicas {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return replicas, nil
}
