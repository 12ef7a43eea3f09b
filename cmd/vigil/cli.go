package main

import (
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
)

var (
	sendAlertsFn  = sendAlerts
	sendReportsFn = sendReports
	pruneFn       = prune

	currentVersionFn = currentVersion
)

const (
	cmdHelp       = "help"
	flagHelpShort = "-h"
	flagHelpLong  = "--help"
)

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	ctx := commandContext{stdout: stdout, stderr: stderr}

	if len(args) == 0 {
		printRootHelp(stderr)
		return 2
	}

	switch args[0] {
	case "-v", "--version", "version":
		writef(stdout, "vigil version %s\n", currentVersionFn())
		return 0
	case "sendalerts":
		return runSendAlertsCommand(ctx, args[1:])
	case "sendreports":
		return runSendReportsCommand(ctx, args[1:])
	case "prune":
		return runPruneCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printRootHelp(stdout)
		return 0
	default:
		writef(stderr, "unknown command: %s\n\n", args[0])
		printRootHelp(stderr)
		return 2
	}
}

func runSendAlertsCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("sendalerts", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	numWorkers := fs.Int("num-workers", 0, "concurrent notification deliveries per flip (0 = from config)")
	pool := fs.Bool("pool", false, "open a connection pool instead of a single connection")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printSendAlertsHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printSendAlertsHelp(ctx.stderr)
		return 2
	}
	return sendAlertsFn(ctx, *numWorkers, *pool)
}

func runSendReportsCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("sendreports", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	loop := fs.Bool("loop", false, "keep running and send a report every 24h")
	to := fs.String("to", "", "report recipients, comma-separated")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printSendReportsHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printSendReportsHelp(ctx.stderr)
		return 2
	}
	return sendReportsFn(ctx, *loop, *to)
}

func runPruneCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	keepPings := fs.Int64("keep-pings", 100, "pings retained per check")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printPruneHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printPruneHelp(ctx.stderr)
		return 2
	}
	if *keepPings < 0 {
		writeln(ctx.stderr, "keep-pings must be >= 0")
		return 2
	}
	return pruneFn(ctx, *keepPings)
}

func printRootHelp(w io.Writer) {
	writeln(w, "Vigil command-line interface")
	writeln(w, "")
	writeln(w, "Usage:")
	writeln(w, "  vigil sendalerts [--num-workers N] [--pool]")
	writeln(w, "  vigil sendreports [--loop] [--to ADDR,ADDR]")
	writeln(w, "  vigil prune [--keep-pings N]")
	writeln(w, "")
	writeln(w, "Commands:")
	writeln(w, "  sendalerts   Run the alerting loop: flip checks, deliver notifications")
	writeln(w, "  sendreports  Email a status summary of all checks")
	writeln(w, "  prune        Remove expired flips and excess ping history")
}

func printSendAlertsHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  vigil sendalerts [--num-workers N] [--pool]")
	writeln(w, "")
	writeln(w, "Runs until interrupted. Safe to run multiple instances against the")
	writeln(w, "same database; workers coordinate through it.")
}

func printSendReportsHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  vigil sendreports [--loop] [--to ADDR,ADDR]")
}

func printPruneHelp(w io.Writer) {
	writeln(w, "Usage:")
	writeln(w, "  vigil prune [--keep-pings N]")
}

func currentVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if strings.TrimSpace(bi.Main.Version) != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
	}
	return "dev"
}
