package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MrWong99/incidentql/internal/agent"
)

// sampleQuestions are offered by number in the interactive demo.
var sampleQuestions = []string{
	"What are all critical severity incidents in the last 30 days?",
	"Show me phishing attacks targeting the finance department",
	"List all unresolved security incidents assigned to John Smith",
	"How many malware incidents were reported by the IT department last quarter?",
	"Show me the trend of security incidents by category over the last 6 months",
}

const rule = "================================="

type asker interface {
	Ask(ctx context.Context, question string) agent.Response
}

// repl reads questions (or sample numbers) from in until "exit", EOF, or ctx
// is done. All questions go to the same conversation.
func repl(ctx context.Context, in io.Reader, out io.Writer, conv asker) error {
	fmt.Fprintln(out, "Security Incidents AI Query Agent")
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "Type your questions about security incidents, or choose from sample queries:")
	for i, q := range sampleQuestions {
		fmt.Fprintf(out, "%d. %s\n", i+1, q)
	}
	fmt.Fprintln(out, "Type 'exit' to quit")
	fmt.Fprintln(out, rule)

	sc := bufio.NewScanner(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nEnter your query or sample number (1-%d): ", len(sampleQuestions))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		input := strings.TrimSpace(sc.Text())
		switch {
		case input == "":
			continue
		case strings.EqualFold(input, "exit"):
			fmt.Fprintln(out, "Exiting...")
			return nil
		}

		question := input
		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(sampleQuestions) {
			question = sampleQuestions[n-1]
			fmt.Fprintf(out, "Selected query: %s\n", question)
		}

		fmt.Fprintln(out, "\nProcessing query...")
		render(out, conv.Ask(ctx, question))
	}
}

// render prints a reply; errors get their own heading.
func render(out io.Writer, resp agent.Response) {
	heading := "Response:"
	if resp.Status != agent.StatusSuccess {
		heading = "Error:"
	}
	fmt.Fprintf(out, "\n%s\n%s\n%s\n%s\n", heading, rule, resp.Text, rule)
}
