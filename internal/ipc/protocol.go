// Package ipc implements the IPC Server: a local Unix-domain-socket (or loopback
// TCP) control surface used by the CLI and the browser dashboard, speaking
// length-prefixed JSON frames over a request/response command channel plus a
// pub/sub event channel.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// Command is a client's request frame.
type Command struct {
	Cmd  string          `json:"cmd"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply is the server's response frame.
type Reply struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is the wire shape of a command failure.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a pushed pub/sub notification.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

const maxFrameSize = 16 * 1024 * 1024

// writeFrame writes a length-prefixed (4-byte big-endian) JSON-encoded frame.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryIPC, "marshal ipc frame").Build()
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryIPC, "write ipc frame length").Build()
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return ferrors.ValidationError("ipc frame exceeds maximum size").Build()
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

func errorReply(id string, code string, err error) Reply {
	msg := err.Error()
	if classified, ok := ferrors.AsClassified(err); ok {
		msg = classified.Message()
	}
	return Reply{ID: id, OK: false, Error: &WireError{Code: code, Message: msg}}
}

func okReply(id string, result any) Reply {
	return Reply{ID: id, OK: true, Result: result}
}
