// Command gatekeep-client sends one command over the bridge and prints
// the response. It stands in for a platform adapter during testing and
// administration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/client"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
	"github.com/NicolasHaas/gatekeep/pkg/version"
)

func main() {
	addr := flag.String("addr", "localhost:9700", "Command bridge address")
	token := flag.String("token", os.Getenv("GATEKEEP_TOKEN"), "Bridge token (default $GATEKEEP_TOKEN)")
	caFile := flag.String("ca", "", "PEM certificate to verify the server (self-signed accepted if empty)")
	timeout := flag.Duration("timeout", 10*time.Second, "Overall timeout")
	asJSON := flag.Bool("json", false, "Print the raw response as JSON")

	var req pb.CommandRequest
	flag.Int64Var(&req.InvokerID, "as", 0, "User ID invoking the command")
	flag.Int64Var(&req.TargetID, "user", 0, "Target user ID")
	flag.Int64Var(&req.Duration, "duration", 0, "Duration magnitude for add-blacklist")
	flag.StringVar(&req.DurationType, "unit", "Days", "Duration unit for add-blacklist")
	flag.StringVar(&req.Reason, "reason", "", "Reason for add-blacklist")

	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <greet|add-blacklist|remove-blacklist|blacklist-info|ping>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logging.Setup(logging.Options{Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(2)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	req.Name = flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Dial(ctx, *addr, client.DialOptions{
		Token:      *token,
		ClientName: "gatekeep-client/" + version.String(),
		CAFile:     *caFile,
	})
	if err != nil {
		slog.Error("connect", "addr", *addr, "err", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if req.Name == "ping" {
		rtt, err := c.Ping(ctx)
		if err != nil {
			slog.Error("ping", "err", err)
			os.Exit(1)
		}
		fmt.Printf("pong from %s in %v\n", c.ServerInfo().ServerVersion, rtt)
		return
	}

	resp, err := c.Do(ctx, &req)
	if err != nil {
		slog.Error("command failed", "command", req.Name, "err", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		return
	}
	printResponse(resp)
}

func printResponse(resp *pb.CommandResponse) {
	if resp.Ephemeral {
		fmt.Print("(only you can see this) ")
	}
	if resp.Content != "" {
		fmt.Println(resp.Content)
	}
	if e := resp.Embed; e != nil {
		fmt.Printf("== %s ==\n", e.Title)
		fmt.Println(strings.TrimSpace(e.Description))
	}
	for _, b := range resp.Buttons {
		fmt.Printf("[%s] %s\n", b.Label, b.URL)
	}
}
