package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryProviderSetNXClaimsOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	p := NewMemoryProvider().WithClock(func() time.Time { return now })

	ok, err := p.SetNX(ctx, "problem:P-1", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = p.SetNX(ctx, "problem:P-1", []byte("1"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second claim to fail, got ok=%v err=%v", ok, err)
	}

	now = now.Add(2 * time.Minute)
	ok, _ = p.SetNX(ctx, "problem:P-1", []byte("1"), time.Minute)
	if !ok {
		t.Fatalf("expected claim to succeed after ttl expiry")
	}
}

func TestMemoryProviderGetMissAndDel(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	if _, err := p.Get(ctx, "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	_ = p.Set(ctx, "k", []byte("v"), 0)
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("unexpected get: %q %v", got, err)
	}
	got[0] = 'x'
	again, _ := p.Get(ctx, "k")
	if string(again) != "v" {
		t.Fatalf("stored value mutated through returned slice")
	}
	_ = p.Del(ctx, "k")
	if p.Len() != 0 {
		t.Fatalf("expected empty cache after delete")
	}
}

func TestWriteCommandEncodesBulkArray(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeCommand(w, setArgs("chaos:k", []byte("v"), 1500*time.Millisecond, true)...); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "*6\r\n$3\r\nSET\r\n$7\r\nchaos:k\r\n$1\r\nv\r\n$2\r\nPX\r\n$4\r\n1500\r\n$2\r\nNX\r\n"
	if buf.String() != want {
		t.Fatalf("unexpected encoding:\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestReadReplyKinds(t *testing.T) {
	cases := []struct {
		in   string
		kind respKind
		data string
	}{
		{"+OK\r\n", respStatus, "OK"},
		{":3\r\n", respInteger, "3"},
		{"$5\r\nhello\r\n", respBulk, "hello"},
		{"$-1\r\n", respNil, ""},
	}
	for _, tc := range cases {
		reply, err := readReply(bufio.NewReader(strings.NewReader(tc.in)))
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if reply.kind != tc.kind || string(reply.data) != tc.data {
			t.Fatalf("%q: got kind %q data %q", tc.in, reply.kind, reply.data)
		}
	}

	_, err := readReply(bufio.NewReader(strings.NewReader("-ERR wrong type\r\n")))
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Message != "ERR wrong type" {
		t.Fatalf("expected server error, got %v", err)
	}
}
