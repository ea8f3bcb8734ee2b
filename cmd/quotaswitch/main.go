// quotaswitch manages a pool of Codex/ChatGPT accounts and keeps one
// active, rotating away from accounts that approach their usage quota.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/cmd"
	"github.com/quotaswitch/quotaswitch/internal/config"
	"github.com/quotaswitch/quotaswitch/internal/logging"
)

const usage = `Usage: quotaswitch [flags] <command> [args]

Commands:
  login            Add an account via browser-based OAuth login
  list             List accounts with quota usage
  use <id>         Activate a specific account
  rotate           Rotate to the next account (round-robin)
  rotate --auto    Rotate only if the active account is over threshold
  quota [id]       Refresh quota for one account, or all when omitted
  delete <id>      Remove an account
  serve            Run the daemon (HTTP API + periodic sweeps)

Flags:
  --config <path>  Config file (default ~/.quotaswitch/config.yaml)
  --no-browser     Print the login URL instead of opening a browser
`

func main() {
	configPath := flag.String("config", defaultConfigPath(), "config file path")
	noBrowser := flag.Bool("no-browser", false, "print the login URL instead of opening a browser")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "login":
		cmd.DoLogin(cfg, &cmd.LoginOptions{NoBrowser: *noBrowser})
	case "list":
		cmd.DoList(cfg)
	case "use":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "use requires an account id")
			os.Exit(2)
		}
		cmd.DoUse(cfg, args[1])
	case "rotate":
		auto := len(args) > 1 && args[1] == "--auto"
		cmd.DoRotate(cfg, auto)
	case "quota":
		accountID := ""
		if len(args) > 1 {
			accountID = args[1]
		}
		cmd.DoQuota(cfg, accountID)
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "delete requires an account id")
			os.Exit(2)
		}
		cmd.DoDelete(cfg, args[1])
	case "serve":
		cmd.DoServe(cfg, *configPath)
	default:
		log.Errorf("unknown command: %s", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".quotaswitch", "config.yaml")
}
