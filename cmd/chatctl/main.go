// Command chatctl is the operator tool: it seeds users, lists them, issues
// tokens for local testing and tails a user's push channel.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

const usage = `usage: chatctl <command> [flags]

commands:
  adduser  -email -name -password [-avatar] [-id]   create a user
  users                                             list users
  token    -user <id> [-name] | -email -password     issue a session token
  tail     -server <url> -token <jwt>               print pushed messages
`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer) (int, error) {
	if len(args) == 0 {
		_, _ = io.WriteString(out, usage)
		return exitUsage, nil
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "adduser":
		return addUser(ctx, rest, out)
	case "users":
		return listUsers(ctx, rest, out)
	case "token":
		return issueToken(ctx, rest, out)
	case "tail":
		return tail(ctx, rest, out)
	case "help", "-h", "--help":
		_, _ = io.WriteString(out, usage)
		return exitOK, nil
	default:
		_, _ = io.WriteString(out, usage)
		return exitUsage, fmt.Errorf("unknown command %q", cmd)
	}
}
