package main

import (
	"flag"
	"os"

	"grimm.is/pfkit/cmd"
	"grimm.is/pfkit/internal/brand"
	"grimm.is/pfkit/internal/logging"
)

var printer = cmd.Printer

func main() {
	logging.SetPrefix(brand.LowerName)

	var g cmd.Globals
	global := flag.NewFlagSet(brand.BinaryName, flag.ExitOnError)
	global.StringVar(&g.ConfigFile, "config", "", "Configuration file (default "+brand.ConfigPath()+")")
	global.StringVar(&g.ConfigFile, "c", "", "Configuration file (short)")
	global.BoolVar(&g.Simulate, "simulate", false, "Use an in-memory pf instead of the device")
	global.Usage = printUsage
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "states":
		err = cmd.RunStates(g, args[1:])
	case "rules":
		err = cmd.RunRules(g, args[1:])
	case "anchor":
		err = cmd.RunAnchor(g, args[1:])
	case "flush":
		err = cmd.RunFlush(g, args[1:])
	case "apply":
		err = cmd.RunApply(g, args[1:])
	case "check":
		err = cmd.RunCheck(g, args[1:])
	case "metrics":
		err = cmd.RunMetrics(g, args[1:])
	case "journal":
		err = cmd.RunJournal(g, args[1:])

	case "version":
		printer.Printf("%s version %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		printer.Fprintf(os.Stderr, "%s %s: %v\n", brand.BinaryName, args[0], err)
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s [-config file] [-simulate] <command> [options]

Commands:
  states    Show the connection state table
            Options: -format (-f) text|json|yaml
  rules     List the rules of an anchor: rules <anchor> <kind>
  anchor    Create an anchor if missing: anchor <name> <kind>
  flush     Remove every rule of one kind: flush <anchor> <kind>
  apply     Load the anchors of a config file
            Options: --dry-run (-n)
  check     Validate a config file
            Options: --verbose (-v)
  metrics   Serve Prometheus metrics
            Options: -listen <addr>, -interval <duration>
            SIGHUP re-reads log_level from the config
  journal   Show the transaction journal
            Options: -limit (-n), -anchor, -action, -since, -json
  version   Print version

Kinds: scrub, filter, nat, binat, rdr

Examples:
  %s states -format json
  %s anchor tethering_nat nat
  %s apply -n /usr/local/etc/pfkit/pfkit.hcl
  %s -simulate apply examples.hcl
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
