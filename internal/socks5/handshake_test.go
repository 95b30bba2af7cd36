package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

// scriptedConn replays canned proxy bytes and records what the client wrote.
type scriptedConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newScriptedConn(proxyBytes ...byte) *scriptedConn {
	return &scriptedConn{in: bytes.NewReader(proxyBytes)}
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *scriptedConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestNegotiate_GreetingBytes(t *testing.T) {
	tests := []struct {
		name  string
		creds *Credentials
		reply []byte
		want  []byte
	}{
		{
			name:  "no credentials",
			reply: []byte{0x05, 0x00},
			want:  []byte{0x05, 0x01, 0x00},
		},
		{
			name:  "credentials offered, proxy picks no-auth",
			creds: &Credentials{Username: "u", Password: "p"},
			reply: []byte{0x05, 0x00},
			want:  []byte{0x05, 0x02, 0x00, 0x02},
		},
		{
			name:  "empty username offers no-auth only",
			creds: &Credentials{},
			reply: []byte{0x05, 0x00},
			want:  []byte{0x05, 0x01, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScriptedConn(tt.reply...)
			if err := negotiate(conn, tt.creds); err != nil {
				t.Fatalf("negotiate() error = %v", err)
			}
			if !bytes.Equal(conn.out.Bytes(), tt.want) {
				t.Errorf("greeting = %v, want %v", conn.out.Bytes(), tt.want)
			}
		})
	}
}

func TestNegotiate_UserPass(t *testing.T) {
	conn := newScriptedConn(0x05, 0x02, 0x01, 0x00)
	creds := &Credentials{Username: "alice", Password: "s3cret"}

	if err := negotiate(conn, creds); err != nil {
		t.Fatalf("negotiate() error = %v", err)
	}

	want := []byte{0x05, 0x02, 0x00, 0x02, 0x01, 5}
	want = append(want, "alice"...)
	want = append(want, 6)
	want = append(want, "s3cret"...)
	if !bytes.Equal(conn.out.Bytes(), want) {
		t.Errorf("wire = %v, want %v", conn.out.Bytes(), want)
	}
}

func TestNegotiate_Errors(t *testing.T) {
	creds := &Credentials{Username: "alice", Password: "bad"}

	tests := []struct {
		name  string
		creds *Credentials
		reply []byte
		want  error
	}{
		{"no acceptable method", nil, []byte{0x05, 0xFF}, ErrNegotiation},
		{"credentials rejected", creds, []byte{0x05, 0x02, 0x01, 0x01}, ErrNegotiation},
		{"userpass not offered", nil, []byte{0x05, 0x02}, ErrProtocol},
		{"unoffered method", nil, []byte{0x05, 0x01}, ErrProtocol},
		{"wrong version", nil, []byte{0x04, 0x00}, ErrProtocol},
		{"wrong auth version", creds, []byte{0x05, 0x02, 0x05, 0x00}, ErrProtocol},
		{"truncated method selection", nil, []byte{0x05}, ErrProtocol},
		{"truncated auth status", creds, []byte{0x05, 0x02, 0x01}, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := negotiate(newScriptedConn(tt.reply...), tt.creds)
			if !errors.Is(err, tt.want) {
				t.Errorf("negotiate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriteRequest(t *testing.T) {
	var buf bytes.Buffer
	dst := Addr{IP: net.IPv4(10, 0, 0, 5).To4(), Port: 80}

	if err := writeRequest(&buf, CmdConnect, dst); err != nil {
		t.Fatalf("writeRequest() error = %v", err)
	}

	want := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 5, 0x00, 0x50}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("request = %v, want %v", buf.Bytes(), want)
	}
}

func TestWriteRequest_Associate(t *testing.T) {
	var buf bytes.Buffer
	dst := Addr{IP: net.IPv4zero.To4()}

	if err := writeRequest(&buf, CmdUDPAssociate, dst); err != nil {
		t.Fatalf("writeRequest() error = %v", err)
	}

	want := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("request = %v, want %v", buf.Bytes(), want)
	}
}

func TestReadReply(t *testing.T) {
	reply := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x13, 0x88}

	bound, err := readReply(bytes.NewReader(reply), CmdUDPAssociate)
	if err != nil {
		t.Fatalf("readReply() error = %v", err)
	}
	if bound.String() != "127.0.0.1:5000" {
		t.Errorf("bound = %s, want 127.0.0.1:5000", bound)
	}
}

func TestReadReply_Rejected(t *testing.T) {
	tests := []struct {
		name string
		cmd  byte
		code byte
		want error
	}{
		{"connect not allowed", CmdConnect, ReplyNotAllowed, ErrConnectRejected},
		{"connect refused", CmdConnect, ReplyConnectionRefused, ErrConnectRejected},
		{"associate unsupported", CmdUDPAssociate, ReplyCmdNotSupported, ErrAssociateRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Proxy closes right after the failure reply.
			_, err := readReply(bytes.NewReader([]byte{0x05, tt.code, 0x00}), tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("readReply() error = %v, want %v", err, tt.want)
			}

			var replyErr *ReplyError
			if !errors.As(err, &replyErr) {
				t.Fatalf("error %T is not *ReplyError", err)
			}
			if replyErr.Code != tt.code {
				t.Errorf("Code = %d, want %d", replyErr.Code, tt.code)
			}
		})
	}
}

func TestReadReply_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"wrong version", []byte{0x04, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0, 1}},
		{"truncated header", []byte{0x05, 0x00}},
		{"truncated address", []byte{0x05, 0x00, 0x00, 0x01, 1, 2}},
		{"bad address type", []byte{0x05, 0x00, 0x00, 0x09, 1, 2, 3, 4, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readReply(bytes.NewReader(tt.reply), CmdConnect)
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("readReply() error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestReadFull_NonEOFError(t *testing.T) {
	boom := errors.New("boom")
	err := readFull(io.MultiReader(errReader{boom}), make([]byte, 2), "field")
	if !errors.Is(err, boom) {
		t.Errorf("readFull() error = %v, want wrapped boom", err)
	}
	if errors.Is(err, ErrProtocol) {
		t.Error("non-EOF read error reported as ErrProtocol")
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
