// Package command parses the line-oriented user command surface.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnbalanced     = errors.New("unbalanced quotes")
)

type Command interface {
	Verb() string
}

type Register struct{ Username string }
type Send struct{ Text string }
type DM struct{ Username, Text string }
type Find struct{ Username string }
type Peers struct{}
type Trades struct{}
type History struct{ Limit int }
type Help struct{}
type Quit struct{}

type Trade struct {
	OfferedFileName   string
	OfferedPath       string
	Recipient         string
	RequestedFileName string
	RequestedDestPath string
}

type Accept struct {
	Offerer             string
	OfferedFileName     string
	OfferedDestPath     string
	RequestedFileName   string
	RequestedSourcePath string
}

type Decline struct {
	Offerer           string
	OfferedFileName   string
	RequestedFileName string
}

func (Register) Verb() string { return "register" }
func (Send) Verb() string     { return "send" }
func (DM) Verb() string       { return "dm" }
func (Trade) Verb() string    { return "trade" }
func (Accept) Verb() string   { return "accept" }
func (Decline) Verb() string  { return "decline" }
func (Find) Verb() string     { return "find" }
func (Peers) Verb() string    { return "peers" }
func (Trades) Verb() string   { return "trades" }
func (History) Verb() string  { return "history" }
func (Help) Verb() string     { return "help" }
func (Quit) Verb() string     { return "quit" }

var usage = []struct{ verb, args string }{
	{"register", "<username>"},
	{"send", "<message...>"},
	{"dm", "<username> <message...>"},
	{"trade", "<offeredFileName> <offeredPath> <recipient> <requestedFileName> <requestedDestPath>"},
	{"accept", "<offerer> <offeredFileName> <offeredDestPath> <requestedFileName> <requestedSourcePath>"},
	{"decline", "<offerer> <offeredFileName> <requestedFileName>"},
	{"find", "<username>"},
	{"peers", ""},
	{"trades", ""},
	{"history", "[n]"},
	{"help", ""},
	{"quit", ""},
}

// UsageError is returned for a known verb with the wrong arguments.
type UsageError struct {
	Verb string
}

func (e *UsageError) Error() string {
	return "usage: " + Usage(e.Verb)
}

func Usage(verb string) string {
	for _, u := range usage {
		if u.verb == verb {
			return strings.TrimSpace(u.verb + " " + u.args)
		}
	}
	return verb
}

// HelpText returns the full command reference, one verb per line.
func HelpText() string {
	var b strings.Builder
	for _, u := range usage {
		b.WriteString("  ")
		b.WriteString(Usage(u.verb))
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse turns one input line into a Command. A blank line yields nil and no
// error. Arguments may be double-quoted to include spaces; the free-text
// tails of send and dm are taken verbatim.
func Parse(line string) (Command, error) {
	verb, rest := splitFirst(line)
	if verb == "" {
		return nil, nil
	}
	verb = strings.ToLower(verb)
	if verb == "exit" {
		verb = "quit"
	}

	switch verb {
	case "send":
		if rest == "" {
			return nil, &UsageError{Verb: verb}
		}
		return Send{Text: rest}, nil

	case "dm":
		user, text := splitFirst(rest)
		if user == "" || text == "" {
			return nil, &UsageError{Verb: verb}
		}
		return DM{Username: user, Text: text}, nil
	}

	args, err := tokenize(rest)
	if err != nil {
		return nil, err
	}

	switch verb {
	case "register":
		if len(args) != 1 {
			return nil, &UsageError{Verb: verb}
		}
		return Register{Username: args[0]}, nil

	case "trade":
		if len(args) != 5 {
			return nil, &UsageError{Verb: verb}
		}
		return Trade{
			OfferedFileName:   args[0],
			OfferedPath:       args[1],
			Recipient:         args[2],
			RequestedFileName: args[3],
			RequestedDestPath: args[4],
		}, nil

	case "accept":
		if len(args) != 5 {
			return nil, &UsageError{Verb: verb}
		}
		return Accept{
			Offerer:             args[0],
			OfferedFileName:     args[1],
			OfferedDestPath:     args[2],
			RequestedFileName:   args[3],
			RequestedSourcePath: args[4],
		}, nil

	case "decline":
		if len(args) != 3 {
			return nil, &UsageError{Verb: verb}
		}
		return Decline{Offerer: args[0], OfferedFileName: args[1], RequestedFileName: args[2]}, nil

	case "find":
		if len(args) != 1 {
			return nil, &UsageError{Verb: verb}
		}
		return Find{Username: args[0]}, nil

	case "peers", "trades", "help", "quit":
		if len(args) != 0 {
			return nil, &UsageError{Verb: verb}
		}
		switch verb {
		case "peers":
			return Peers{}, nil
		case "trades":
			return Trades{}, nil
		case "quit":
			return Quit{}, nil
		}
		return Help{}, nil

	case "history":
		switch len(args) {
		case 0:
			return History{Limit: 20}, nil
		case 1:
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return nil, &UsageError{Verb: verb}
			}
			return History{Limit: n}, nil
		}
		return nil, &UsageError{Verb: verb}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func tokenize(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case unicode.IsSpace(r) && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}

	if inQuote {
		return nil, ErrUnbalanced
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}
