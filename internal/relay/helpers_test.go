package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketPair returns two connected non-blocking descriptors. The app end is
// closed at cleanup; the relay end belongs to the code under test.
func socketPair(t *testing.T) (app, relayEnd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("创建 socketpair 失败: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("设置非阻塞失败: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
	})
	return fds[0], fds[1]
}

// closeLog counts close calls per descriptor and still closes for real.
type closeLog struct {
	counts map[int]int
}

func (c *closeLog) close(fd int) error {
	c.counts[fd]++
	return unix.Close(fd)
}

func newTestLoop(t *testing.T, bufSize int) (*Loop, *closeLog) {
	t.Helper()
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	l, err := NewLoop(ln, NewConnector("127.0.0.1", 9), Options{BufferSize: bufSize})
	if err != nil {
		_ = ln.Close()
		t.Fatalf("创建 Loop 失败: %v", err)
	}
	log := &closeLog{counts: make(map[int]int)}
	l.closer = log.close
	t.Cleanup(func() {
		// Run shuts the loop down itself.
		if !l.running.Load() {
			l.shutdown()
		}
		_ = ln.Close()
	})
	return l, log
}

func openTestSession(l *Loop, clientFD int, up Dialed) *Session {
	s := l.registry.Open(clientFD, up, "client", l.bufSize)
	l.stats.active.Add(1)
	return s
}

// readAvailable polls fd until want bytes arrived or the deadline passes.
func readAvailable(t *testing.T, fd int, want int) []byte {
	t.Helper()
	got := make([]byte, 0, want)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want {
		if time.Now().After(deadline) {
			t.Fatalf("读取超时: 收到 %d 字节, 期望 %d 字节", len(got), want)
		}
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
		if n == 0 {
			t.Fatalf("提前遇到 EOF: 收到 %d 字节, 期望 %d 字节", len(got), want)
		}
		got = append(got, buf[:n]...)
	}
	return got
}

// expectEOF waits for an orderly or reset close on fd.
func expectEOF(t *testing.T, fd int) {
	t.Helper()
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			if time.Now().After(deadline) {
				t.Fatal("等待 EOF 超时")
			}
			time.Sleep(5 * time.Millisecond)
		case err != nil:
			return
		case n == 0:
			return
		default:
			t.Fatalf("期望 EOF, 实际读到 %q", buf[:n])
		}
	}
}

func startTestLoop(t *testing.T, backendAddr string, bufSize int) (*Loop, string) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(backendAddr)
	if err != nil {
		t.Fatalf("解析后端地址失败: %v", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("解析后端端口失败: %v", err)
	}

	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	l, err := NewLoop(ln, NewConnector(host, port), Options{BufferSize: bufSize})
	if err != nil {
		_ = ln.Close()
		t.Fatalf("创建 Loop 失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() 返回错误: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("等待 Run() 返回超时")
		}
		_ = ln.Close()
	})
	return l, ln.Addr().String()
}

func echoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("启动 echo 后端失败: %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("分配端口失败: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("等待超时: %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
