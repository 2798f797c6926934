package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/odyssey-erp/akademi/cmd/akademi/cli"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

func runCommand(name string, args []string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch name {
	case "catalog":
		return runCatalog(ctx, args)
	case "jobs":
		return runJobs(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, catalog or jobs)\n", name)
		return 2
	}
}

func runCatalog(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: akademi catalog validate|explain [flags]")
		return 2
	}
	catalogCLI := cli.NewCatalogCLI(rbac.DefaultRegistry())
	fs := flag.NewFlagSet("catalog "+args[0], flag.ContinueOnError)
	path := fs.String("file", os.Getenv("CATALOG_PATH"), "catalog YAML file (embedded default when empty)")
	jsonOut := fs.Bool("json", false, "print JSON")
	switch args[0] {
	case "validate":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return catalogCLI.ValidateCommand(ctx, cli.CatalogValidateOptions{Path: *path, JSONOutput: *jsonOut})
	case "explain":
		role := fs.String("role", "", "role to evaluate as")
		resourceType := fs.String("type", "page", "resource type")
		key := fs.String("key", "", "resource key")
		op := fs.String("op", "view", "operation")
		sub := fs.String("sub", "", "sub-feature")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return catalogCLI.ExplainCommand(ctx, cli.CatalogExplainOptions{
			Path:         *path,
			Role:         *role,
			ResourceType: *resourceType,
			ResourceKey:  *key,
			Operation:    *op,
			SubFeature:   *sub,
			JSONOutput:   *jsonOut,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown catalog command %q\n", args[0])
		return 2
	}
}

func runJobs(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: akademi jobs trigger <task>|stats")
		return 2
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	jobsCLI, err := cli.NewJobsCLI(redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: akademi jobs trigger <task>")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
}
