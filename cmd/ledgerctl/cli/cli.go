package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Exit codes. Warnings mean the command ran but the result needs attention:
// a shortfall, unplaced cuts, low stock or an unbalanced ledger.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitWarning = 10
)

// OptimizeQueue submits background planning work.
type OptimizeQueue interface {
	EnqueueCuttingOptimize(ctx context.Context, payload jobs.CuttingOptimizePayload) (*asynq.TaskInfo, error)
}

// Options wires the collaborators of LedgerCLI.
type Options struct {
	Gateway *ledger.Gateway
	// Persist saves ledger state after a mutating command. Nil when the
	// store persists by itself.
	Persist func() error
	// Queue is nil when no Redis is configured.
	Queue OptimizeQueue
	// Migrate applies schema migrations. Nil outside the Postgres store.
	Migrate func(ctx context.Context) ([]string, error)
	Stdout  io.Writer
	Stderr  io.Writer
}

// LedgerCLI dispatches ledgerctl subcommands.
type LedgerCLI struct {
	opts       Options
	jsonOutput bool
}

var commandHelp = [][2]string{
	{"adjust", "correct one batch by a signed delta"},
	{"batches", "list batches of a material"},
	{"commit", "commit a cutting or consumption plan by id"},
	{"enqueue-plan", "draft a cutting plan on the worker"},
	{"material", "define or deactivate a material"},
	{"migrate", "apply database migrations"},
	{"plan", "draft a cutting plan"},
	{"receive", "record a batch arrival"},
	{"reconcile", "replay the transaction log against batch quantities"},
	{"scrap", "write off stock from a batch"},
	{"select", "preview a FIFO/LIFO consumption, --commit applies it"},
	{"summary", "aggregate a material's remaining stock"},
	{"tx", "list ledger transactions"},
}

func (c *LedgerCLI) command(name string) func(context.Context, []string) int {
	switch name {
	case "material":
		return c.material
	case "receive":
		return c.receive
	case "batches":
		return c.batches
	case "adjust":
		return c.adjust
	case "scrap":
		return c.scrap
	case "select":
		return c.selectCmd
	case "plan":
		return c.plan
	case "commit":
		return c.commit
	case "summary":
		return c.summary
	case "reconcile":
		return c.reconcile
	case "tx":
		return c.transactions
	case "enqueue-plan":
		return c.enqueuePlan
	case "migrate":
		return c.migrate
	}
	return nil
}

// New constructs the CLI.
func New(opts Options) (*LedgerCLI, error) {
	if opts.Gateway == nil {
		return nil, errors.New("cli: ledger gateway required")
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &LedgerCLI{opts: opts}, nil
}

// Run parses global flags and executes one subcommand, returning its exit code.
func (c *LedgerCLI) Run(ctx context.Context, args []string) int {
	global := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	global.SetOutput(c.opts.Stderr)
	jsonOutput := global.Bool("json", false, "print JSON instead of text")
	actor := global.String("actor", "", "actor recorded on ledger transactions")
	global.Usage = c.usage
	if err := global.Parse(args); err != nil {
		return ExitUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		c.usage()
		return ExitUsage
	}
	run := c.command(rest[0])
	if run == nil {
		_, _ = fmt.Fprintf(c.opts.Stderr, "ledgerctl: unknown command %q\n", rest[0])
		c.usage()
		return ExitUsage
	}
	c.jsonOutput = *jsonOutput
	if a := strings.TrimSpace(*actor); a != "" {
		ctx = shared.ContextWithActor(ctx, a)
	}
	return run(ctx, rest[1:])
}

func (c *LedgerCLI) usage() {
	_, _ = fmt.Fprintln(c.opts.Stderr, "usage: ledgerctl [--json] [--actor name] <command> [flags]")
	for _, h := range commandHelp {
		_, _ = fmt.Fprintf(c.opts.Stderr, "  %-13s %s\n", h[0], h[1])
	}
}

func (c *LedgerCLI) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.opts.Stderr)
	return fs
}

func (c *LedgerCLI) fail(name string, err error) int {
	_, _ = fmt.Fprintf(c.opts.Stderr, "%s: %v\n", name, err)
	return ExitFailure
}

func (c *LedgerCLI) failf(name, format string, args ...any) int {
	_, _ = fmt.Fprintf(c.opts.Stderr, name+": "+format+"\n", args...)
	return ExitUsage
}

// emit prints v as JSON or through the human renderer.
func (c *LedgerCLI) emit(name string, v any, human func(io.Writer)) int {
	if c.jsonOutput {
		enc := json.NewEncoder(c.opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return c.fail(name, fmt.Errorf("encode json: %w", err))
		}
		return ExitOK
	}
	human(c.opts.Stdout)
	return ExitOK
}

func (c *LedgerCLI) persist(name string) int {
	if c.opts.Persist == nil {
		return ExitOK
	}
	if err := c.opts.Persist(); err != nil {
		return c.fail(name, fmt.Errorf("persist ledger: %w", err))
	}
	return ExitOK
}

// warnIf upgrades a successful exit to ExitWarning.
func warnIf(code int, warn bool) int {
	if code == ExitOK && warn {
		return ExitWarning
	}
	return code
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
