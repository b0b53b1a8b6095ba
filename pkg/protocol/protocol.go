// Package protocol defines the line based foreman wire format.
//
// A request is one '\n' terminated line: a command name followed by
// whitespace separated arguments. Every reply ends with an empty line, except
// for the shutdown command, which gets no reply at all.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyRequest      = errors.New("empty request")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrWrongArguments    = errors.New("wrong number of arguments")
	ErrBadShutdownPhrase = errors.New("shutdown command should be: `thank you`")
	ErrInvalidEncoding   = errors.New("request is not valid UTF-8")
)

const (
	CmdTake       = "take"
	CmdList       = "ls"
	CmdNodes      = "nodes"
	CmdClear      = "rm"
	CmdRemoveNode = "rmnode"
	CmdShutdown   = "thank"
	CmdHelp       = "help"

	// ShutdownPhrase is the full shutdown line.
	ShutdownPhrase = "thank you"
)

// Request is one parsed request line. The set of implementations is closed:
// Take, List, Nodes, Clear, RemoveNode, Shutdown and Help.
type Request interface {
	Command() string
	isRequest()
}

type Take struct {
	Item string
}

type List struct {
	ItemPattern string
	NodePattern string
}

type Nodes struct{}

type Clear struct {
	ItemPattern string
}

type RemoveNode struct {
	Node string
}

type Shutdown struct{}

type Help struct{}

func (Take) Command() string       { return CmdTake }
func (List) Command() string       { return CmdList }
func (Nodes) Command() string      { return CmdNodes }
func (Clear) Command() string      { return CmdClear }
func (RemoveNode) Command() string { return CmdRemoveNode }
func (Shutdown) Command() string   { return CmdShutdown }
func (Help) Command() string       { return CmdHelp }

func (Take) isRequest()       {}
func (List) isRequest()       {}
func (Nodes) isRequest()      {}
func (Clear) isRequest()      {}
func (RemoveNode) isRequest() {}
func (Shutdown) isRequest()   {}
func (Help) isRequest()       {}

type parser struct {
	minArgs, maxArgs int
	build            func(args []string) (Request, error)
}

var parsers = map[string]parser{
	CmdTake: {1, 1, func(args []string) (Request, error) {
		return Take{Item: args[0]}, nil
	}},
	CmdList: {0, 2, func(args []string) (Request, error) {
		req := List{ItemPattern: "*", NodePattern: "*"}
		if len(args) > 0 {
			req.ItemPattern = args[0]
		}
		if len(args) > 1 {
			req.NodePattern = args[1]
		}
		return req, nil
	}},
	CmdNodes: {0, 0, func(args []string) (Request, error) {
		return Nodes{}, nil
	}},
	CmdClear: {0, 1, func(args []string) (Request, error) {
		// no pattern clears nothing
		req := Clear{}
		if len(args) > 0 {
			req.ItemPattern = args[0]
		}
		return req, nil
	}},
	CmdRemoveNode: {1, 1, func(args []string) (Request, error) {
		return RemoveNode{Node: args[0]}, nil
	}},
	CmdShutdown: {1, 1, func(args []string) (Request, error) {
		if args[0] != "you" {
			return nil, ErrBadShutdownPhrase
		}
		return Shutdown{}, nil
	}},
	CmdHelp: {0, 0, func(args []string) (Request, error) {
		return Help{}, nil
	}},
}

// Parse turns one request line (without the trailing '\n') into a Request.
func Parse(line string) (Request, error) {
	if !utf8.ValidString(line) {
		return nil, ErrInvalidEncoding
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyRequest
	}
	cmd, args := fields[0], fields[1:]
	p, ok := parsers[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	if len(args) < p.minArgs || len(args) > p.maxArgs {
		return nil, fmt.Errorf("%w: %s takes %s, got %d", ErrWrongArguments, cmd, arity(p), len(args))
	}
	return p.build(args)
}

func arity(p parser) string {
	if p.minArgs == p.maxArgs {
		return fmt.Sprintf("%d", p.minArgs)
	}
	return fmt.Sprintf("%d to %d", p.minArgs, p.maxArgs)
}
