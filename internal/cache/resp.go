package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// respKind enumerates the RESP2 reply types the provider understands.
type respKind byte

const (
	respStatus  respKind = '+'
	respBulk    respKind = '$'
	respInteger respKind = ':'
	respNil     respKind = '_'
)

type respReply struct {
	kind respKind
	data []byte
}

func (r respReply) isStatus(want string) bool {
	return r.kind == respStatus && strings.EqualFold(string(r.data), want)
}

// ServerError is an error reply ("-ERR ...") from the server.
type ServerError struct{ Message string }

func (e *ServerError) Error() string { return "valkey: " + e.Message }

// writeCommand encodes args as a RESP array of bulk strings and flushes w.
func writeCommand(w *bufio.Writer, args ...any) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		var b []byte
		switch v := arg.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			return fmt.Errorf("unsupported RESP argument %T", arg)
		}
		if _, err := fmt.Fprintf(w, "$%d\r\n", len(b)); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readReply decodes a single non-array reply.
func readReply(r *bufio.Reader) (respReply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return respReply{}, err
	}
	switch respKind(prefix) {
	case respStatus, respInteger:
		return respReply{kind: respKind(prefix), data: line}, nil
	case '-':
		return respReply{}, &ServerError{Message: string(line)}
	case respBulk:
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, fmt.Errorf("bad bulk length %q: %w", line, err)
		}
		if size < 0 {
			return respReply{kind: respNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("invalid bulk termination")
		}
		return respReply{kind: respBulk, data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
