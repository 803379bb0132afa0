// Package command turns operator text messages into typed control
// verbs. The regex fast path is definitive; an optional fallback parser
// is consulted only when no pattern matches.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Verb is a parsed operator command.
type Verb int

const (
	VerbNone Verb = iota
	VerbWorkOnIssue
	VerbStatus
	VerbStop
	VerbListAgents
)

func (v Verb) String() string {
	switch v {
	case VerbWorkOnIssue:
		return "work_on_issue"
	case VerbStatus:
		return "status"
	case VerbStop:
		return "stop"
	case VerbListAgents:
		return "list_agents"
	default:
		return "none"
	}
}

// Command is the typed outcome consumed by the core. Issue is set for
// verbs that target an issue number.
type Command struct {
	Verb  Verb
	Issue int
}

// Fallback is an optional secondary parser (e.g. an LLM) consulted when
// the regex path yields no match. ok=false means "not a command".
type Fallback interface {
	Parse(message string) (Command, bool)
}

var (
	workPattern   = regexp.MustCompile(`(?i)^\s*work\s+on\s+(?:issue\s+)?#?(\d+)\s*$`)
	statusPattern = regexp.MustCompile(`(?i)^\s*status(?:\s+(?:of\s+)?#?(\d+))?\s*$`)
	stopPattern   = regexp.MustCompile(`(?i)^\s*stop\s+#?(\d+)\s*$`)
	listPattern   = regexp.MustCompile(`(?i)^\s*list\s+agents\s*$`)
)

// Parser matches messages against the fixed verb grammar.
type Parser struct {
	fallback Fallback
}

func NewParser(fallback Fallback) *Parser {
	return &Parser{fallback: fallback}
}

// Parse returns the command and whether the message was a command at
// all. A regex match is definitive and the fallback is skipped.
func (p *Parser) Parse(message string) (Command, bool) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return Command{}, false
	}

	if m := workPattern.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Command{Verb: VerbWorkOnIssue, Issue: n}, true
	}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		cmd := Command{Verb: VerbStatus}
		if m[1] != "" {
			cmd.Issue, _ = strconv.Atoi(m[1])
		}
		return cmd, true
	}
	if m := stopPattern.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Command{Verb: VerbStop, Issue: n}, true
	}
	if listPattern.MatchString(msg) {
		return Command{Verb: VerbListAgents}, true
	}

	if p.fallback != nil {
		return p.fallback.Parse(msg)
	}
	return Command{}, false
}
