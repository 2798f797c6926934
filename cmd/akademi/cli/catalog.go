package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// CatalogCLI validates catalog files and explains role-level decisions
// offline, without a grant store.
type CatalogCLI struct {
	registry *rbac.Registry
}

// NewCatalogCLI builds the catalog helpers.
func NewCatalogCLI(reg *rbac.Registry) *CatalogCLI {
	if reg == nil {
		reg = rbac.DefaultRegistry()
	}
	return &CatalogCLI{registry: reg}
}

// CatalogValidateOptions defines flags for catalog validate.
type CatalogValidateOptions struct {
	Path       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CatalogValidateSummary is the JSON output of catalog validate.
type CatalogValidateSummary struct {
	OK      bool           `json:"ok"`
	Entries int            `json:"entries"`
	ByType  map[string]int `json:"by_type"`
	Error   string         `json:"error,omitempty"`
}

func (c *CatalogCLI) load(path string) (*rbac.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return rbac.DefaultCatalog(c.registry)
	}
	return rbac.LoadCatalogFile(path, c.registry)
}

// ValidateCommand parses the catalog and reports its shape. Exit code 1 means
// the catalog was rejected.
func (c *CatalogCLI) ValidateCommand(ctx context.Context, opts CatalogValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	catalog, err := c.load(opts.Path)
	summary := CatalogValidateSummary{ByType: map[string]int{}}
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.OK = true
		summary.Entries = catalog.Len()
		for _, d := range catalog.Descriptors() {
			summary.ByType[string(d.Type())]++
		}
	}
	if opts.JSONOutput {
		if encErr := json.NewEncoder(opts.Stdout).Encode(summary); encErr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "catalog validate: encode json: %v\n", encErr)
			return 1
		}
	} else if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog validate: %v\n", err)
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "catalog ok: %d entries\n", summary.Entries)
		for _, rt := range rbac.ResourceTypes() {
			_, _ = fmt.Fprintf(opts.Stdout, "  %-8s %d\n", rt, summary.ByType[string(rt)])
		}
	}
	if err != nil {
		return 1
	}
	return 0
}

// CatalogExplainOptions defines flags for catalog explain.
type CatalogExplainOptions struct {
	Path         string
	Role         string
	ResourceType string
	ResourceKey  string
	Operation    string
	SubFeature   string
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// CatalogExplainResult is the JSON output of catalog explain.
type CatalogExplainResult struct {
	Role    string `json:"role"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

const explainEmail = "explain@cli.local"

type fixedRole rbac.Role

func (r fixedRole) ResolveRole(ctx context.Context, email string) (rbac.Role, error) {
	return rbac.Role(r), nil
}

type noGrants struct{}

func (noGrants) GetApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, error) {
	return nil, nil
}

// ExplainCommand evaluates one request for a role against the catalog only.
// Exit code 0 means allowed, 10 denied, 1 bad input.
func (c *CatalogCLI) ExplainCommand(ctx context.Context, opts CatalogExplainOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	role, err := c.registry.ParseRole(opts.Role)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog explain: %v\n", err)
		return 1
	}
	if strings.TrimSpace(opts.ResourceKey) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "catalog explain: --key is required")
		return 1
	}
	catalog, err := c.load(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog explain: %v\n", err)
		return 1
	}
	evaluator, err := rbac.NewEvaluator(rbac.EvaluatorConfig{
		Registry: c.registry,
		Catalog:  rbac.NewCatalogHolder(catalog),
		Grants:   noGrants{},
		Identity: fixedRole(role),
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog explain: %v\n", err)
		return 1
	}
	res, err := evaluator.Evaluate(ctx, rbac.EvaluationRequest{
		UserEmail:    explainEmail,
		ResourceType: rbac.ResourceType(opts.ResourceType),
		Operation:    rbac.Operation(opts.Operation),
		ResourceKey:  opts.ResourceKey,
		SubFeature:   opts.SubFeature,
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog explain: %v\n", err)
		return 1
	}
	out := CatalogExplainResult{Role: string(role), Allowed: res.Allowed, Reason: string(res.Reason)}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "catalog explain: encode json: %v\n", err)
			return 1
		}
	} else {
		verdict := "DENY"
		if out.Allowed {
			verdict = "ALLOW"
		}
		_, _ = fmt.Fprintf(opts.Stdout, "%s %s %s %s as %s: %s\n", verdict, opts.ResourceType, opts.ResourceKey, opts.Operation, out.Role, out.Reason)
	}
	if !out.Allowed {
		return 10
	}
	return 0
}
