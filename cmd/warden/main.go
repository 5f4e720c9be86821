// Command warden is a supervised execution layer between an agent and the
// host: commands are classified by risk, gated through a durable approval
// queue, executed under fail-closed limits and recorded so their file
// effects can be rolled back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/codefionn/warden/internal/approval"
	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/config"
	"github.com/codefionn/warden/internal/executor"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/rollback"
	"github.com/codefionn/warden/internal/sandbox"
	"github.com/codefionn/warden/internal/store"
	"github.com/codefionn/warden/internal/supervisor"
)

const usageText = `warden - supervised command execution

Usage:
  warden <command> [flags]

Commands:
  classify     classify a command without queueing it
  propose      classify and route a command (safe ones run immediately)
  pending      list items waiting for approval (-risk, -type filters)
  show         print one item as JSON
  approve      approve a pending item
  reject       reject a pending item
  execute      run an approved item
  log          show the execution log
  checkpoints  list rollback checkpoints
  rollback     restore a checkpoint
  grant        grant an autonomy token (at most moderate risk)
  revoke       revoke an autonomy token
  sweep        expire stale items and apply checkpoint retention
  stats        summarize execution outcomes

Global flags (before the command):
  -config PATH   configuration file (default: ` + "~/.config/warden/config.json" + `)
  -log-level L   debug, info, warn, error or none
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("warden", flag.ContinueOnError)
	configPath := global.String("config", config.DefaultConfigPath(), "configuration file")
	logLevel := global.String("log-level", "", "override configured log level")
	global.Usage = func() { fmt.Fprint(os.Stderr, usageText) }

	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	log := logger.Global()
	defer log.Close()

	cmd, cmdArgs := rest[0], rest[1:]

	// classify needs no state and no sandbox.
	if cmd == "classify" {
		return cmdClassify(cfg, cmdArgs)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	defer st.Close()

	sup, err := supervisor.New(cfg, st, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	defer sup.Close()

	switch cmd {
	case "propose":
		return cmdPropose(sup, cfg, log, cmdArgs)
	case "pending":
		return cmdPending(sup, cmdArgs)
	case "show":
		return cmdShow(sup, cmdArgs)
	case "approve":
		return cmdApprove(sup, cmdArgs)
	case "reject":
		return cmdReject(sup, cmdArgs)
	case "execute":
		return cmdExecute(sup, cfg, log, cmdArgs)
	case "log":
		return cmdLog(sup, cmdArgs)
	case "checkpoints":
		return cmdCheckpoints(sup)
	case "rollback":
		return cmdRollback(sup, cmdArgs)
	case "grant":
		return cmdGrant(sup, cmdArgs)
	case "revoke":
		return cmdRevoke(sup, cmdArgs)
	case "sweep":
		return cmdSweep(sup)
	case "stats":
		return cmdStats(sup)
	default:
		fmt.Fprintf(os.Stderr, "warden: unknown command %q\n\n", cmd)
		global.Usage()
		return 2
	}
}

// applySandbox confines the process before anything spawns. Children
// inherit the restriction.
func applySandbox(cfg *config.Config, log *logger.Logger) error {
	rw := append([]string{}, cfg.AllowedPathRoots...)
	rw = append(rw, cfg.BackupDir, os.TempDir())
	return sandbox.Apply(cfg.Sandbox, rw, log)
}

func cmdClassify(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the full verdict as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden classify [-json] <command>")
		return 2
	}

	c := classify.New(classify.Options{
		ProjectRoots:     cfg.AllowedPathRoots,
		TrustedHosts:     cfg.TrustedHosts,
		SensitiveEnvVars: cfg.SensitiveEnvVarNames,
	})
	res := c.Classify(fs.Arg(0))

	if *asJSON {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "warden: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("%s  [%s]  %s\n", res.Risk, res.CommandType, res.Reasoning)
	}

	if res.Risk == classify.RiskBlocked {
		return 1
	}
	return 0
}

func cmdPropose(sup *supervisor.Supervisor, cfg *config.Config, log *logger.Logger, args []string) int {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	workDir := fs.String("dir", "", "working directory (default: first allowed root)")
	dryRun := fs.Bool("dry-run", false, "show what would run without running it")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden propose [-dir DIR] [-dry-run] <command>")
		return 2
	}

	if !*dryRun {
		if err := applySandbox(cfg, log); err != nil {
			fmt.Fprintf(os.Stderr, "warden: %v\n", err)
			return 1
		}
	}

	p, err := sup.Propose(context.Background(), fs.Arg(0), *workDir, *dryRun)
	if err != nil && p == nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}

	switch {
	case p.Refused:
		fmt.Printf("BLOCKED: %s\n", p.RefusedReason)
		return 1
	case p.Result != nil && p.Result.Status == executor.StatusDryRun:
		fmt.Println(p.Result.Stdout)
	case p.Result != nil:
		printResult(p.Result)
		if p.Result.Status != executor.StatusSuccess {
			return 1
		}
	default:
		fmt.Printf("queued for approval: %s\n", supervisor.Describe(p.Item))
	}
	return 0
}

func cmdPending(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	risk := fs.String("risk", "", "filter by risk level")
	cmdType := fs.String("type", "", "filter by command type")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	items, err := sup.Pending(approval.PendingFilter{
		Risk:        *risk,
		CommandType: classify.CommandType(*cmdType),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	if len(items) == 0 {
		fmt.Println("no pending items")
		return 0
	}
	for _, item := range items {
		fmt.Println(supervisor.Describe(item))
	}
	return 0
}

func cmdShow(sup *supervisor.Supervisor, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden show <item-id>")
		return 2
	}
	item, err := sup.Status(args[0])
	if err != nil {
		return decisionError("show", err)
	}
	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func cmdApprove(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	approver := fs.String("by", currentUser(), "who is approving")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden approve [-by WHO] <item-id>")
		return 2
	}

	item, err := sup.Approve(fs.Arg(0), *approver)
	if err != nil {
		return decisionError("approve", err)
	}
	fmt.Printf("approved: %s\n", supervisor.Describe(item))
	return 0
}

func cmdReject(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	reason := fs.String("reason", "", "why the command is rejected")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden reject [-reason WHY] <item-id>")
		return 2
	}

	if err := sup.Reject(fs.Arg(0), *reason); err != nil {
		return decisionError("reject", err)
	}
	fmt.Println("rejected")
	return 0
}

func cmdExecute(sup *supervisor.Supervisor, cfg *config.Config, log *logger.Logger, args []string) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	workDir := fs.String("dir", "", "working directory (default: first allowed root)")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden execute [-dir DIR] <item-id>")
		return 2
	}

	if err := applySandbox(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}

	result, err := sup.ExecuteApproved(context.Background(), fs.Arg(0), *workDir)
	if err != nil && result == nil {
		return decisionError("execute", err)
	}
	printResult(result)
	if result.Status != executor.StatusSuccess {
		return 1
	}
	return 0
}

func cmdLog(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of entries")
	itemID := fs.String("item", "", "filter by item id")
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	entries, err := sup.AuditLog(rollback.LogFilter{
		ItemID: *itemID,
		Status: rollback.LogStatus(*status),
		Limit:  *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Printf("%5d  %s  %-8s  exit=%-3d  %s  %q\n",
			e.Seq, e.CreatedAt.Format(time.RFC3339), e.Status, e.ExitCode,
			e.Risk, e.Command)
	}
	return 0
}

func cmdCheckpoints(sup *supervisor.Supervisor) int {
	cps, err := sup.Checkpoints(20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	if len(cps) == 0 {
		fmt.Println("no checkpoints")
		return 0
	}
	for _, cp := range cps {
		fmt.Printf("%s  %s  %s  item=%s\n",
			cp.ID, cp.CreatedAt.Format(time.RFC3339), cp.Status, cp.ItemID)
	}
	return 0
}

func cmdRollback(sup *supervisor.Supervisor, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden rollback <checkpoint-id>")
		return 2
	}

	err := sup.Rollback(args[0])
	var partial *rollback.PartialError
	switch {
	case err == nil:
		fmt.Println("rolled back")
		return 0
	case errors.As(err, &partial):
		fmt.Fprintf(os.Stderr, "warden: %v\n", partial)
		for path, reason := range partial.Failed {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", path, reason)
		}
		return 1
	default:
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
}

func cmdGrant(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	by := fs.String("by", currentUser(), "who is granting")
	risk := fs.String("max-risk", "moderate", "maximum covered risk (safe or moderate)")
	root := fs.String("root", "", "restrict the token to paths under this root")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	maxRisk, err := classify.ParseRiskLevel(*risk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 2
	}
	tok, err := sup.GrantAutonomy(*by, maxRisk, *root, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	fmt.Printf("granted token %s (max %s, expires %s)\n",
		tok.ID, tok.MaxRisk, tok.ExpiresAt.Format(time.RFC3339))
	return 0
}

func cmdRevoke(sup *supervisor.Supervisor, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden revoke <token-id>")
		return 2
	}
	if err := sup.RevokeAutonomy(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	fmt.Println("revoked")
	return 0
}

func cmdSweep(sup *supervisor.Supervisor) int {
	if err := sup.Sweep(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	fmt.Println("sweep complete")
	return 0
}

func cmdStats(sup *supervisor.Supervisor) int {
	stats, err := sup.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}
	for status, count := range stats {
		fmt.Printf("%-10s %d\n", status, count)
	}
	return 0
}

func printResult(r *executor.Result) {
	fmt.Printf("status=%s exit=%d duration=%s\n", r.Status, r.ExitCode, r.Duration.Round(time.Millisecond))
	if r.Stdout != "" {
		fmt.Print(r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Fprint(os.Stderr, r.Stderr)
	}
	if r.Truncated {
		fmt.Fprintln(os.Stderr, "(output truncated)")
	}
	if r.BlockedReason != "" {
		fmt.Fprintf(os.Stderr, "refused: %s\n", r.BlockedReason)
	}
}

func decisionError(verb string, err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		fmt.Fprintf(os.Stderr, "warden: no such item\n")
	case errors.Is(err, approval.ErrExpired):
		fmt.Fprintf(os.Stderr, "warden: cannot %s, item expired\n", verb)
	case errors.Is(err, approval.ErrConflict):
		fmt.Fprintf(os.Stderr, "warden: cannot %s, item changed state\n", verb)
	default:
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
	}
	return 1
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
