// Package ipcclient is a thin Go client for the daemon's IPC command/event
// protocol (length-prefixed JSON frames over a Unix-domain socket or loopback
// TCP address). It exists for this repo's own integration tests and for any
// future in-process tooling; the CLI front-end that drives the same wire
// protocol in production is the external collaborator spec.md §6 excludes.
package ipcclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

const maxFrameSize = 16 * 1024 * 1024

type commandFrame struct {
	Cmd  string          `json:"cmd"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type replyFrame struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// Event is a pushed pub/sub notification.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// CommandError wraps a server-reported failure, preserving its error code.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Client is a single connection to the IPC server. It is safe for concurrent
// Call use; Events delivers pushed notifications on a dedicated channel.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan replyFrame
	events  chan Event
	closed  chan struct{}
}

// Dial connects to an IPC server. network is "unix" or "tcp".
func Dial(network, address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryIPC, "dial ipc server").
			WithContext("network", network).WithContext("address", address).Build()
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan replyFrame),
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the channel pushed events are delivered on.
func (c *Client) Events() <-chan Event { return c.events }

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.closed)
	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			return
		}

		var probe struct {
			ID    string          `json:"id"`
			Event string          `json:"event"`
			OK    *bool           `json:"ok"`
			Rest  json.RawMessage `json:"-"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}

		if probe.Event != "" {
			var ev Event
			if json.Unmarshal(raw, &ev) == nil {
				select {
				case c.events <- ev:
				default:
				}
			}
			continue
		}

		var reply replyFrame
		if json.Unmarshal(raw, &reply) != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// Call issues a command and blocks for its reply (or ctx-independent timeout).
// result, if non-nil, receives the JSON-decoded Result field.
func (c *Client) Call(cmd string, args, result any) error {
	id := fmt.Sprintf("%d", c.nextID.Add(1))

	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return err
		}
		rawArgs = data
	}

	ch := make(chan replyFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, commandFrame{Cmd: cmd, ID: id, Args: rawArgs})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case reply := <-ch:
		if !reply.OK {
			if reply.Error != nil {
				return &CommandError{Code: reply.Error.Code, Message: reply.Error.Message}
			}
			return &CommandError{Code: "internal", Message: "command failed"}
		}
		if result != nil && len(reply.Result) > 0 {
			return json.Unmarshal(reply.Result, result)
		}
		return nil
	case <-c.closed:
		return ferrors.IPCError("ipc connection closed before reply").WithContext("cmd", cmd).Build()
	case <-time.After(30 * time.Second):
		return ferrors.IPCError("ipc call timed out").WithContext("cmd", cmd).Build()
	}
}

func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, ferrors.ValidationError("ipc frame exceeds maximum size").Build()
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
