package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("agora %s\n", version)
		return
	case "run":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		err = runAgent(os.Args[2])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "health":
		err = runHealth(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: agora <command>

Commands:
  run <agent>                                   Run the named agent
  submit --type <t> [--agent <a>] [--data <j>]  Submit a task and print the result
  health                                        Print task and agent health from the store
  backup [--dir <d>]                            Export open tasks and agent status
  restore --file <f> [--overwrite]              Import a backup
  version                                       Print version
`)
}

// parseArgs reads --key value pairs. A flag followed by another flag or by
// nothing is recorded as "true".
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) <= 2 || args[i][:2] != "--" {
			continue
		}
		key := args[i][2:]
		if i+1 < len(args) && !(len(args[i+1]) > 2 && args[i+1][:2] == "--") {
			result[key] = args[i+1]
			i++
			continue
		}
		result[key] = "true"
	}
	return result
}
