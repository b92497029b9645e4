package overlay

import (
	"context"
	"net"
	"testing"
	"time"
)

func udpSocket(t *testing.T) (*Socket, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return &Socket{UDP: conn}, conn
}

func TestContextStartReadersDispatchesDecodedFrames(t *testing.T) {
	octx := NewContext(false, nil, nil)
	sockA, connA := udpSocket(t)
	sockB, connB := udpSocket(t)
	octx.AddSocket(sockA)
	octx.AddSocket(sockB)

	received := make(chan *Frame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := octx.StartReaders(ctx, func(f *Frame, from RouteKey, addr *net.UDPAddr) {
		received <- f
	})

	h := NewHeader(ClassControl, CtrlPing, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 4)
	body := EncodePingBody(42, 1)
	frame := EncodeFrame(&Frame{Header: h, Body: body})
	if _, err := connB.WriteToUDP(frame, connA.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case f := <-received:
		tm, epoch, err := DecodePingBody(f.Body)
		if err != nil || tm != 42 || epoch != 1 {
			t.Errorf("received ping body = (%d,%d,%v), want (42,1,nil)", tm, epoch, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}

	octx.Stop()
	octx.Stop() // must not panic a second time
	cancel()
	<-doneOrTimeout(wait, 2*time.Second)
}

func doneOrTimeout(wait func() error, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timeout := make(chan struct{})
	go func() {
		time.Sleep(d)
		close(timeout)
	}()
	out := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-timeout:
		}
		close(out)
	}()
	return out
}

func TestSocketWriteToUDP(t *testing.T) {
	sockA, connA := udpSocket(t)
	_, connB := udpSocket(t)
	defer connA.Close()
	defer connB.Close()

	if err := sockA.WriteTo([]byte("hello"), connB.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	buf := make([]byte, 16)
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := connB.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q, want %q", buf[:n], "hello")
	}
}

func TestAddSocketAssignsSequentialIndices(t *testing.T) {
	octx := NewContext(false, nil, nil)
	s1, c1 := udpSocket(t)
	s2, c2 := udpSocket(t)
	defer c1.Close()
	defer c2.Close()
	i1 := octx.AddSocket(s1)
	i2 := octx.AddSocket(s2)
	if i1 != 0 || i2 != 1 {
		t.Errorf("indices = (%d,%d), want (0,1)", i1, i2)
	}
	if octx.Socket(0) != s1 || octx.Socket(1) != s2 {
		t.Error("Socket(idx) did not return the expected registered sockets")
	}
}
