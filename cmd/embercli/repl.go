package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
)

// repl runs an interactive line-editing shell over the open database until
// the user types exit/quit or sends EOF.
func (a *cli) repl() {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintln(a.out, "embercli - type 'help' for commands, 'exit' to quit")
	for {
		input, err := line.Prompt("ember> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return
			}
			fmt.Fprintf(a.out, "error: %v\n", err)
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "exit", "quit":
			return
		case "help":
			a.printHelp()
			continue
		}

		if err := a.dispatch(strings.Fields(input)); err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
}

func (a *cli) printHelp() {
	fmt.Fprintln(a.out, "commands:")
	fmt.Fprintln(a.out, "  get <bucket> <key>")
	fmt.Fprintln(a.out, "  put <bucket> <key> <value>")
	fmt.Fprintln(a.out, "  delete <bucket> <key>")
	fmt.Fprintln(a.out, "  buckets [parent-bucket]")
	fmt.Fprintln(a.out, "  create-bucket <bucket>")
	fmt.Fprintln(a.out, "  delete-bucket <bucket>")
	fmt.Fprintln(a.out, "  stats")
	fmt.Fprintln(a.out, "  export <bucket> <output-file> [yaml|msgpack]")
	fmt.Fprintln(a.out, "  exit")
}
