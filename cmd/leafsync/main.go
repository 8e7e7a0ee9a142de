// Command leafsync is the minimal CLI front end for the sync core: a
// serve/connect/watch pair over real TCP+TLS, plus a status
// introspection helper. The front end carries no part of the sync
// core's correctness surface; it exists so the core is reachable
// end-to-end from a shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/bobg/subcmd"
)

type maincmd struct{}

func main() {
	flag.Parse()

	err := subcmd.Run(context.Background(), maincmd{}, flag.Args())
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.err)
		os.Exit(ee.code)
	}
	log.Fatal(err)
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"serve":   {F: wrapSubcmd("serve", c.serve)},
		"connect": {F: wrapSubcmd("connect", c.connect)},
		"watch":   {F: wrapSubcmd("watch", c.watch)},
		"status":  {F: wrapSubcmd("status", c.status)},
	}
}

// wrapSubcmd adapts a subcommand function that manages its own
// *flag.FlagSet into the func(context.Context, []string) error shape
// subcmd.Subcmd expects when it has no Params of its own.
func wrapSubcmd(name string, f func(ctx context.Context, fs *flag.FlagSet, args []string) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		return f(ctx, fs, args)
	}
}

// exitError carries the specific process exit code spec.md's CLI
// surface requires for a given failure mode (bind failure, TLS init
// failure, trust failure, integrity failure, transport failure),
// distinct from the generic failure exit subcmd.Run otherwise
// produces via log.Fatal.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}
