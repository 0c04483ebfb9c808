package dialer

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDirect_DialContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	d := NewDirect(2 * time.Second)
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
	<-accepted
}

func TestDirect_DialTimeout(t *testing.T) {
	d := NewDirect(10 * time.Millisecond)
	// 10.255.255.1 is non-routable and should stall past the timeout.
	_, err := d.Dial("tcp", "10.255.255.1:81")
	if err == nil {
		t.Fatal("expected dial timeout error")
	}
}
