package relay

import (
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListenerAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen() 返回错误: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	if addr.Port == 0 || !addr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("Addr() = %v, 期望 127.0.0.1 上的临时端口", addr)
	}

	if _, _, err := ln.Accept(); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("没有待接受连接时期望 EAGAIN, 实际: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	pfd := []unix.PollFd{{Fd: int32(ln.FD()), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, 2000); err != nil {
		t.Fatalf("poll 失败: %v", err)
	}
	fd, client, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept() 返回错误: %v", err)
	}
	defer unix.Close(fd)

	if client != conn.LocalAddr().String() {
		t.Errorf("客户端地址 = %q, 期望 %q", client, conn.LocalAddr().String())
	}
	if _, err := unix.Read(fd, make([]byte, 1)); !errors.Is(err, unix.EAGAIN) {
		t.Errorf("接受的描述符应为非阻塞, Read 返回: %v", err)
	}
}

func TestListenerClose(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen() 返回错误: %v", err)
	}
	if err := ln.Close(); err != nil {
		t.Fatalf("Close() 返回错误: %v", err)
	}
	if err := ln.Close(); err != nil {
		t.Errorf("重复 Close() 应返回 nil, 实际: %v", err)
	}
	if _, _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("关闭后 Accept() 期望 net.ErrClosed, 实际: %v", err)
	}
}

func TestListenErrors(t *testing.T) {
	taken, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen() 返回错误: %v", err)
	}
	defer taken.Close()

	tests := []struct {
		name string
		host string
		port int
	}{
		{name: "unresolvable host", host: "relay.invalid", port: 0},
		{name: "address in use", host: "127.0.0.1", port: taken.Addr().(*net.TCPAddr).Port},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := Listen(tt.host, tt.port)
			if err == nil {
				_ = ln.Close()
				t.Fatal("期望 Listen() 失败")
			}
		})
	}
}
