// Package cli provides interactive terminal prompt helpers shared by the
// server and agent setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. The zero value
// is unusable; populate In and Out or use DefaultPrompter.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// ask prints the prompt text verbatim and returns the next input line,
// trimmed. On EOF it returns whatever was read so far, which makes piped
// input without a trailing newline behave like a typed answer.
func (p *Prompter) ask(prompt string) string {
	_, _ = io.WriteString(p.Out, prompt)
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimSpace(line)
}

// Ask poses a question with an optional default shown in brackets. An empty
// answer returns the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	prompt := question + ": "
	if defaultVal != "" {
		prompt = fmt.Sprintf("%s [%s]: ", question, defaultVal)
	}
	if ans := p.ask(prompt); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads an answer without echoing it. When In is not a real
// terminal (tests, piped input) it degrades to a normal visible read.
func (p *Prompter) AskPassword(question string) string {
	f, isFile := p.In.(*os.File)
	if !isFile || !term.IsTerminal(int(f.Fd())) {
		return p.ask(question + ": ")
	}

	_, _ = io.WriteString(p.Out, question+": ")
	b, err := term.ReadPassword(int(f.Fd()))
	_, _ = io.WriteString(p.Out, "\n")
	if err != nil {
		return p.ask("")
	}
	return strings.TrimSpace(string(b))
}

// AskInt keeps asking until it gets a positive integer. An empty answer
// takes the default.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n > 0 {
			return n
		}
		_, _ = fmt.Fprintln(p.Out, "  Please enter a positive number.")
	}
}

// Choose renders a numbered menu and returns the chosen option. Out-of-range
// or non-numeric answers reprompt; an empty answer takes the default.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	var menu strings.Builder
	menu.WriteString(question + "\n")
	for i, opt := range options {
		fmt.Fprintf(&menu, "  %d) %s", i+1, opt)
		if i == defaultIdx {
			menu.WriteString("  (default)")
		}
		menu.WriteString("\n")
	}
	_, _ = io.WriteString(p.Out, menu.String())

	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question. Anything starting with "y" or "Y" counts
// as yes; an empty answer takes the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.ask(fmt.Sprintf("%s [%s]: ", question, hint))
	if ans == "" {
		return defaultYes
	}
	return ans[0] == 'y' || ans[0] == 'Y'
}
