package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/trusch/testforeman/pkg/table"
)

// HelpText lists the commands the server understands.
const HelpText = "Available commands: help,take,ls,nodes,thank you,rmnode,rm"

// Writer encodes replies. Call Flush after each reply.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

func (w *Writer) WriteTake(item string, granted bool) error {
	_, err := fmt.Fprintf(w.w, "%s %d\n\n", item, boolToInt(granted))
	return err
}

func (w *Writer) WriteList(list []table.NodeItems) error {
	for _, entry := range list {
		if _, err := fmt.Fprintf(w.w, "[%s]\n", entry.Node); err != nil {
			return err
		}
		for _, item := range entry.Items {
			if _, err := fmt.Fprintf(w.w, "%s\n", item); err != nil {
				return err
			}
		}
	}
	return w.end()
}

func (w *Writer) WriteNodes(nodes []table.NodeCount) error {
	for _, n := range nodes {
		if _, err := fmt.Fprintf(w.w, "%s %d\n", n.Node, n.Claims); err != nil {
			return err
		}
	}
	return w.end()
}

func (w *Writer) WriteCount(n int) error {
	_, err := fmt.Fprintf(w.w, "%d\n\n", n)
	return err
}

func (w *Writer) WriteBool(b bool) error {
	_, err := fmt.Fprintf(w.w, "%d\n\n", boolToInt(b))
	return err
}

func (w *Writer) WriteHelp() error {
	_, err := fmt.Fprintf(w.w, "%s\n\n", HelpText)
	return err
}

func (w *Writer) end() error {
	return w.w.WriteByte('\n')
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Reader splits a reply stream into replies.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadReply returns the lines of the next reply, without the terminating
// empty line.
func (r *Reader) ReadReply() ([]string, error) {
	var lines []string
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				err = io.ErrUnexpectedEOF
			}
			return lines, err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}
