// Package inspect prints recorded sessions, calls, and branches from a
// monitoring database.
package inspect

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	entrypoint "github.com/louisbranch/spacetime/internal/platform/cmd"
	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// Config holds inspect command configuration.
type Config struct {
	DBPath   string `env:"SPACETIME_DB_PATH"   envDefault:"data/spacetime.db"`
	BlobPath string `env:"SPACETIME_BLOB_PATH"`
	PageSize int    `env:"SPACETIME_INSPECT_PAGE_SIZE" envDefault:"50"`
	// Args is the subcommand and its operands.
	Args []string
}

const usage = `usage: inspect [flags] <command>

commands:
  sessions              list sessions
  calls <session>       list a session's calls
  call <id>             show one call with its values
  children <id>         list calls made by a call
  source <id>           print the source a call ran
  search <filter>       search calls with an AIP-160 filter
  branches              show the branch forest
  diverge <session>     compare a branch with its parent
  stats                 summarize stored data`

var errUsage = errors.New(usage)

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	entrypoint.BindDataFlags(fs, &cfg.DBPath, &cfg.BlobPath)
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Calls per page for search")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// Run executes one inspect command and writes its report to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if len(cfg.Args) == 0 {
		return errUsage
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceInspect, func(ctx context.Context) error {
		paths, err := entrypoint.PrepareData(entrypoint.DataPaths{DB: cfg.DBPath, Blobs: cfg.BlobPath}, "", entrypoint.ReadData)
		if err != nil {
			return err
		}
		m, err := monitor.Init(ctx, monitor.Config{StoragePath: paths.DB, BlobPath: paths.Blobs, Existing: true})
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()

		r := &reporter{q: m.Query(), out: out, pageSize: cfg.PageSize}
		return r.run(ctx, cfg.Args[0], cfg.Args[1:])
	})
}

type reporter struct {
	q        *query.Service
	out      io.Writer
	pageSize int
}

func (r *reporter) run(ctx context.Context, command string, operands []string) error {
	switch command {
	case "sessions":
		return r.sessions(ctx)
	case "calls":
		id, err := operand(operands, "session")
		if err != nil {
			return err
		}
		return r.calls(ctx, id)
	case "call":
		id, err := callOperand(operands)
		if err != nil {
			return err
		}
		return r.call(ctx, id)
	case "children":
		id, err := callOperand(operands)
		if err != nil {
			return err
		}
		calls, err := r.q.ListChildCalls(ctx, id)
		if err != nil {
			return err
		}
		return r.callTable(calls)
	case "source":
		id, err := callOperand(operands)
		if err != nil {
			return err
		}
		def, err := r.q.GetSource(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "// %s (%s:%d)\n%s\n", def.FunctionName, def.ModulePath, def.FirstLine, def.Code)
		return nil
	case "search":
		return r.search(ctx, strings.Join(operands, " "))
	case "branches":
		return r.branches(ctx)
	case "diverge":
		id, err := operand(operands, "session")
		if err != nil {
			return err
		}
		return r.diverge(ctx, id)
	case "stats":
		return r.stats(ctx)
	default:
		return fmt.Errorf("unknown command %q\n%w", command, errUsage)
	}
}

func (r *reporter) sessions(ctx context.Context) error {
	sessions, err := r.q.ListSessions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFROM CALL\tCREATED")
	for _, s := range sessions {
		status := string(s.Status)
		if s.Incomplete {
			status += " (incomplete)"
		}
		from := "-"
		if s.BranchFromCallID != 0 {
			from = strconv.FormatInt(s.BranchFromCallID, 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, status, from, humanize.Time(s.CreatedAt))
	}
	return w.Flush()
}

func (r *reporter) calls(ctx context.Context, sessionID string) error {
	calls, err := r.q.ListCalls(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.callTable(calls)
}

func (r *reporter) search(ctx context.Context, filter string) error {
	var all []storage.FunctionCall
	q := storage.CallQuery{Filter: filter, PageSize: r.pageSize}
	for {
		page, err := r.q.SearchCalls(ctx, q)
		if err != nil {
			return err
		}
		all = append(all, page.Calls...)
		if page.NextPageToken == "" {
			break
		}
		q.PageToken = page.NextPageToken
	}
	return r.callTable(all)
}

func (r *reporter) callTable(calls []storage.FunctionCall) error {
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tORDER\tPARENT\tFUNCTION\tSTATUS")
	for _, c := range calls {
		parent := "-"
		if c.ParentCallID != 0 {
			parent = strconv.FormatInt(c.ParentCallID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", c.ID, c.SessionID, c.Order, parent, c.FunctionName, c.Status)
	}
	return w.Flush()
}

func (r *reporter) call(ctx context.Context, id int64) error {
	detail, err := r.q.GetCall(ctx, id)
	if err != nil {
		return err
	}
	c := detail.Call
	fmt.Fprintf(r.out, "call %d %s [%s]\n", c.ID, c.FunctionName, c.Status)
	fmt.Fprintf(r.out, "  session %s, order %d, %s:%d\n", c.SessionID, c.Order, c.File, c.Line)
	if c.Error != "" {
		fmt.Fprintf(r.out, "  error: %s\n", c.Error)
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	writeValues(w, "local", detail.Locals)
	writeValues(w, "global", detail.Globals)
	if !detail.Return.Ref.IsZero() {
		writeValues(w, "return", []query.Value{detail.Return})
	}
	writeValues(w, "meta", detail.Metadata)
	for _, inv := range detail.Tracked {
		fmt.Fprintf(w, "  tracked\t#%d %s\t%s -> %s\n", inv.Seq, inv.FunctionName, inv.Args.Display, inv.Return.Display)
	}
	return w.Flush()
}

func writeValues(w io.Writer, kind string, values []query.Value) {
	for _, v := range values {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", kind, v.Name, v.Display)
	}
}

func (r *reporter) branches(ctx context.Context) error {
	branches, err := r.q.ListBranches(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPARENT\tBRANCH POINT\tINDEX\tDEPTH\tCHILDREN")
	for _, b := range branches {
		parent, point, index := "-", "-", "-"
		if !b.IsRoot() {
			parent = b.ParentSessionID
			point = strconv.FormatInt(b.BranchPointCallID, 10)
			index = strconv.Itoa(b.BranchPointIndex)
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%d\t%d\n",
			strings.Repeat("  ", b.Depth), b.SessionID, parent, point, index, b.Depth, len(b.Children))
	}
	return w.Flush()
}

func (r *reporter) diverge(ctx context.Context, sessionID string) error {
	d, err := r.q.Diverge(ctx, sessionID)
	if err != nil {
		return err
	}
	switch {
	case d.Branch.IsRoot():
		fmt.Fprintf(r.out, "%s is an original session\n", d.Branch.SessionID)
	case d.Index < 0:
		fmt.Fprintf(r.out, "%s matches %s\n", d.Branch.SessionID, d.Branch.ParentSessionID)
	default:
		fmt.Fprintf(r.out, "%s diverges from %s at order %d\n", d.Branch.SessionID, d.Branch.ParentSessionID, d.Index)
	}
	return nil
}

func (r *reporter) stats(ctx context.Context) error {
	s, err := r.q.Stats(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "sessions\t%s\n", humanize.Comma(int64(s.Sessions)))
	fmt.Fprintf(w, "branches\t%s\n", humanize.Comma(int64(s.Branches)))
	fmt.Fprintf(w, "calls\t%s\n", humanize.Comma(int64(s.Calls)))
	fmt.Fprintf(w, "objects\t%s\n", humanize.Comma(s.Objects))
	fmt.Fprintf(w, "bytes\t%s\n", humanize.Bytes(uint64(s.Bytes)))
	return w.Flush()
}

func operand(operands []string, name string) (string, error) {
	if len(operands) == 0 || strings.TrimSpace(operands[0]) == "" {
		return "", fmt.Errorf("%s is required\n%w", name, errUsage)
	}
	return operands[0], nil
}

func callOperand(operands []string) (int64, error) {
	text, err := operand(operands, "call id")
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid call id %q: %w", text, err)
	}
	return id, nil
}
