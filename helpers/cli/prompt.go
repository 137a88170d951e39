// Package cli runs line-oriented consoles: interactive prompt on terminal, batch on piped stdin.
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

func MainLoop(tag string, exec func(line string), complete prompt.Completer) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigch
		os.Exit(1)
	}()

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		if err := Batch(os.Stdin, exec); err != nil {
			log.Fatal(err)
		}
		return
	}
	prompt.New(exec, complete,
		prompt.OptionTitle(tag),
		prompt.OptionPrefix(tag+"> "),
	).Run()
}

// Batch feeds exec with trimmed non-empty lines of r, `#` starts comment line.
func Batch(r io.Reader, exec func(line string)) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return s.Err()
}

// Suggest filters static suggestions by word before cursor.
func Suggest(d prompt.Document, all []prompt.Suggest) []prompt.Suggest {
	return prompt.FilterHasPrefix(all, d.GetWordBeforeCursor(), true)
}
