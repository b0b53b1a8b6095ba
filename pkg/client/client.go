// Package client talks to a foreman server.
//
// A test runner typically dials once, calls Filter with all of its candidate
// test IDs and runs only the ones it was granted.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/trusch/testforeman/pkg/protocol"
	"github.com/trusch/testforeman/pkg/table"
)

var (
	ErrInvalidArgument = errors.New("argument must be a single non-empty word")
	ErrMalformedReply  = errors.New("malformed reply")
)

type Client struct {
	mutex sync.Mutex
	conn  net.Conn
	r     *protocol.Reader
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: protocol.NewReader(conn)}, nil
}

// Node is the identity the server knows this client by.
func (c *Client) Node() string {
	return c.conn.LocalAddr().String()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Take claims item. It reports false if another node holds it already.
func (c *Client) Take(ctx context.Context, item string) (bool, error) {
	if err := checkArg(item); err != nil {
		return false, err
	}
	lines, err := c.roundTrip(ctx, protocol.CmdTake+" "+item)
	if err != nil {
		return false, err
	}
	if len(lines) != 1 {
		return false, fmt.Errorf("%w: %q", ErrMalformedReply, lines)
	}
	i := strings.LastIndexByte(lines[0], ' ')
	if i < 0 || lines[0][:i] != item {
		return false, fmt.Errorf("%w: %q", ErrMalformedReply, lines[0])
	}
	switch lines[0][i+1:] {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrMalformedReply, lines[0])
}

// Filter takes every item and returns the ones granted to this client, in
// input order.
func (c *Client) Filter(ctx context.Context, items []string) ([]string, error) {
	var granted []string
	for _, item := range items {
		ok, err := c.Take(ctx, item)
		if err != nil {
			return granted, err
		}
		if ok {
			granted = append(granted, item)
		} else {
			log.Debug().Str("item", item).Msg("skipping item taken by another node")
		}
	}
	return granted, nil
}

// List returns claimed items matching itemPattern, grouped by the nodes
// matching nodePattern. Empty patterns mean "*".
func (c *Client) List(ctx context.Context, itemPattern, nodePattern string) ([]table.NodeItems, error) {
	if itemPattern == "" {
		itemPattern = table.MatchAll
	}
	if nodePattern == "" {
		nodePattern = table.MatchAll
	}
	if err := checkArg(itemPattern); err != nil {
		return nil, err
	}
	if err := checkArg(nodePattern); err != nil {
		return nil, err
	}
	lines, err := c.roundTrip(ctx, strings.Join([]string{protocol.CmdList, itemPattern, nodePattern}, " "))
	if err != nil {
		return nil, err
	}
	var res []table.NodeItems
	for _, line := range lines {
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			res = append(res, table.NodeItems{Node: line[1 : len(line)-1]})
			continue
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("%w: item %q before any node", ErrMalformedReply, line)
		}
		last := &res[len(res)-1]
		last.Items = append(last.Items, line)
	}
	return res, nil
}

func (c *Client) Nodes(ctx context.Context) ([]table.NodeCount, error) {
	lines, err := c.roundTrip(ctx, protocol.CmdNodes)
	if err != nil {
		return nil, err
	}
	res := make([]table.NodeCount, 0, len(lines))
	for _, line := range lines {
		i := strings.LastIndexByte(line, ' ')
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		n, err := strconv.Atoi(line[i+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		res = append(res, table.NodeCount{Node: line[:i], Claims: n})
	}
	return res, nil
}

// Clear releases all claimed items matching pattern and returns their
// number. The empty pattern matches nothing.
func (c *Client) Clear(ctx context.Context, pattern string) (int, error) {
	req := protocol.CmdClear
	if pattern != "" {
		if err := checkArg(pattern); err != nil {
			return 0, err
		}
		req += " " + pattern
	}
	lines, err := c.roundTrip(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(lines) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, lines)
	}
	n, err := strconv.Atoi(lines[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, lines[0])
	}
	return n, nil
}

func (c *Client) RemoveNode(ctx context.Context, node string) (bool, error) {
	if err := checkArg(node); err != nil {
		return false, err
	}
	lines, err := c.roundTrip(ctx, protocol.CmdRemoveNode+" "+node)
	if err != nil {
		return false, err
	}
	if len(lines) != 1 || (lines[0] != "0" && lines[0] != "1") {
		return false, fmt.Errorf("%w: %q", ErrMalformedReply, lines)
	}
	return lines[0] == "1", nil
}

func (c *Client) Help(ctx context.Context) (string, error) {
	lines, err := c.roundTrip(ctx, protocol.CmdHelp)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// Shutdown asks the server to close every connection and stop.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.setDeadline(ctx)
	_, err := c.conn.Write([]byte(protocol.ShutdownPhrase + "\n"))
	return err
}

func (c *Client) roundTrip(ctx context.Context, req string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.setDeadline(ctx)
	if _, err := c.conn.Write([]byte(req + "\n")); err != nil {
		return nil, err
	}
	return c.r.ReadReply()
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	c.conn.SetDeadline(deadline)
}

func checkArg(arg string) error {
	if fields := strings.Fields(arg); len(fields) != 1 || fields[0] != arg {
		return fmt.Errorf("%w: %q", ErrInvalidArgument, arg)
	}
	return nil
}
