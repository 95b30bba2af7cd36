package socks5

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestNewAddr(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		wantType byte
		wantHost string
	}{
		{"ipv4", "10.0.0.5", AddrTypeIPv4, "10.0.0.5"},
		{"ipv6", "2001:db8::1", AddrTypeIPv6, "2001:db8::1"},
		{"mapped ipv4", "::ffff:192.0.2.1", AddrTypeIPv4, "192.0.2.1"},
		{"domain", "example.com", AddrTypeDomain, "example.com"},
		{"idn", "bücher.example", AddrTypeDomain, "xn--bcher-kva.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddr(tt.host, 80)
			if err != nil {
				t.Fatalf("NewAddr(%q) error = %v", tt.host, err)
			}
			if addr.Type() != tt.wantType {
				t.Errorf("Type() = %d, want %d", addr.Type(), tt.wantType)
			}
			if addr.Host() != tt.wantHost {
				t.Errorf("Host() = %q, want %q", addr.Host(), tt.wantHost)
			}
			if addr.Port != 80 {
				t.Errorf("Port = %d, want 80", addr.Port)
			}
		})
	}
}

func TestNewAddr_DomainLength(t *testing.T) {
	if _, err := NewAddr(strings.Repeat("a", 255), 80); err != nil {
		t.Errorf("255-byte domain: error = %v, want nil", err)
	}

	_, err := NewAddr(strings.Repeat("a", 256), 80)
	if !errors.Is(err, ErrDomainTooLong) {
		t.Errorf("256-byte domain: error = %v, want ErrDomainTooLong", err)
	}
}

func TestNewAddr_Empty(t *testing.T) {
	_, err := NewAddr("", 80)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("NewAddr(\"\") error = %v, want ErrInvalidAddress", err)
	}
}

func TestAddr_String(t *testing.T) {
	tests := []struct {
		addr Addr
		want string
	}{
		{Addr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}, "127.0.0.1:1080"},
		{Addr{IP: net.ParseIP("::1"), Port: 53}, "[::1]:53"},
		{Addr{Name: "proxy.local", Port: 9}, "proxy.local:9"},
	}

	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestReadAddr(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    string
		wantErr bool
	}{
		{"ipv4", []byte{0x01, 10, 0, 0, 5, 0x04, 0x38}, "10.0.0.5:1080", false},
		{"ipv6", append(append([]byte{0x04}, net.ParseIP("::1")...), 0x00, 0x35), "[::1]:53", false},
		{"domain", []byte{0x03, 3, 'a', '.', 'b', 0x00, 0x50}, "a.b:80", false},
		{"zero-length domain", []byte{0x03, 0, 0x00, 0x50}, "", true},
		{"unknown type", []byte{0x07, 1, 2, 3, 4, 0, 0}, "", true},
		{"truncated ipv4", []byte{0x01, 10, 0}, "", true},
		{"truncated port", []byte{0x01, 10, 0, 0, 5, 0x04}, "", true},
		{"empty", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := readAddr(bytes.NewReader(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("readAddr() error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("readAddr() error = %v", err)
			}
			if addr.String() != tt.want {
				t.Errorf("readAddr() = %s, want %s", addr, tt.want)
			}
		})
	}
}
