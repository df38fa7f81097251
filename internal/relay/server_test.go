package relay

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hongjun500/peerchat-go/internal/wire"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(Config{
		Addr:         "127.0.0.1:0",
		OutBuffer:    32,
		WriteTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown(2 * time.Second)
	})

	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendLine(t *testing.T, line string) {
	t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) readLine(t *testing.T) (string, error) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// expectKind 顺序读取并跳过其它推送（主要是在线广播），直到读到目标类型之一
func (c *testClient) expectKind(t *testing.T, kinds ...wire.Kind) wire.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := c.readLine(t)
		if err != nil {
			t.Fatalf("expect %v: read failed: %v", kinds, err)
		}
		msg, err := wire.Decode(line)
		if err != nil {
			t.Fatalf("expect %v: bad line %q: %v", kinds, line, err)
		}
		for _, k := range kinds {
			if msg.Kind == k {
				return msg
			}
		}
	}
	t.Fatalf("timed out waiting for %v", kinds)
	return wire.Message{}
}

func (c *testClient) register(t *testing.T, phone string) {
	t.Helper()
	c.sendLine(t, "REGISTER:"+phone)
	got := c.expectKind(t, wire.KindRegistered)
	if got.User != phone {
		t.Fatalf("registered as %q, want %q", got.User, phone)
	}
}

func TestPingPong(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.sendLine(t, "PING")
	line, err := c.readLine(t)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "PONG" {
		t.Fatalf("got %q, want PONG", line)
	}
}

func TestRegisterBroadcastsPresence(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")

	b := dialTestClient(t, srv.Addr())
	b.register(t, "9123456789")

	// B 上线的广播一定会推到已注册的 A，广播与其它答复之间没有顺序承诺，
	// 所以跳过只含 A 的旧快照，等到包含两个人的那份
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := a.expectKind(t, wire.KindOnlineUsers)
		if countOf(got.Users, "9123456789") == 1 && countOf(got.Users, "9876543210") == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast never included both users: %v", got.Users)
		}
	}
}

func TestSendDeliveredToOnlineUser(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	b := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	b.register(t, "9123456789")

	a.sendLine(t, "SEND:9123456789:hello")

	msg := b.expectKind(t, wire.KindMessage)
	if msg.From != "9876543210" || msg.Body != "hello" {
		t.Fatalf("got MESSAGE %q from %q", msg.Body, msg.From)
	}

	reply := a.expectKind(t, wire.KindDelivered, wire.KindQueued)
	if reply.Kind != wire.KindDelivered || reply.To != "9123456789" {
		t.Fatalf("got %s:%s, want DELIVERED:9123456789", reply.Kind, reply.To)
	}
}

func TestSendQueuedForOfflineUser(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")

	a.sendLine(t, "SEND:9999999999:hi")
	reply := a.expectKind(t, wire.KindDelivered, wire.KindQueued)
	if reply.Kind != wire.KindQueued || reply.To != "9999999999" {
		t.Fatalf("got %s:%s, want QUEUED:9999999999", reply.Kind, reply.To)
	}
}

func TestSendBodyWithColons(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	b := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	b.register(t, "9123456789")

	a.sendLine(t, "SEND:9123456789:meet at 10:30: room B")
	msg := b.expectKind(t, wire.KindMessage)
	if msg.Body != "meet at 10:30: room B" {
		t.Fatalf("body mangled: %q", msg.Body)
	}
}

func TestGetOnlineUsers(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	b := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	b.register(t, "9123456789")

	// 队列里可能还压着 B 上线前的旧广播快照，轮询直到读到两个人都在的那份
	deadline := time.Now().Add(3 * time.Second)
	for {
		a.sendLine(t, "GET_ONLINE_USERS")
		got := a.expectKind(t, wire.KindOnlineUsers)
		if countOf(got.Users, "9876543210") == 1 && countOf(got.Users, "9123456789") == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("online users = %v", got.Users)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAbruptDisconnectRemovesPresence(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	b := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	b.register(t, "9123456789")

	// 不发任何告别，直接断
	_ = a.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		b.sendLine(t, "GET_ONLINE_USERS")
		got := b.expectKind(t, wire.KindOnlineUsers)
		if countOf(got.Users, "9876543210") == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnected user still online: %v", got.Users)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegisterSupersedes(t *testing.T) {
	srv := startTestServer(t)
	old := dialTestClient(t, srv.Addr())
	old.register(t, "9876543210")

	// 同一个号码从另一条连接重新注册
	fresh := dialTestClient(t, srv.Addr())
	fresh.register(t, "9876543210")

	b := dialTestClient(t, srv.Addr())
	b.register(t, "9123456789")
	b.sendLine(t, "SEND:9876543210:who gets this")

	msg := fresh.expectKind(t, wire.KindMessage)
	if msg.Body != "who gets this" {
		t.Fatalf("newer session should receive, got %q", msg.Body)
	}

	// 旧连接迟到的断开不能把新条目摘掉：之后的消息仍要送达新会话
	_ = old.conn.Close()
	time.Sleep(100 * time.Millisecond)
	b.sendLine(t, "SEND:9876543210:still the new one")
	msg = fresh.expectKind(t, wire.KindMessage)
	if msg.Body != "still the new one" {
		t.Fatalf("stale disconnect evicted the live session, got %q", msg.Body)
	}
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.sendLine(t, "FROBNICATE:what")
	c.sendLine(t, "SEND") // 字段数不对
	c.sendLine(t, "PING")
	got := c.expectKind(t, wire.KindPong)
	if got.Kind != wire.KindPong {
		t.Fatalf("connection should survive bad lines")
	}
}

func TestInvalidPhoneRejected(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.sendLine(t, "REGISTER:12345")
	c.sendLine(t, "GET_ONLINE_USERS")
	got := c.expectKind(t, wire.KindOnlineUsers)
	if len(got.Users) != 0 {
		t.Fatalf("invalid phone must not be registered: %v", got.Users)
	}
}

func TestUnidentifiedSendIgnored(t *testing.T) {
	srv := startTestServer(t)
	b := dialTestClient(t, srv.Addr())
	b.register(t, "9123456789")

	anon := dialTestClient(t, srv.Addr())
	anon.sendLine(t, "SEND:9123456789:sneaky")
	anon.sendLine(t, "PING")
	// 未注册的 SEND 没有任何答复，PONG 直接到
	got := anon.expectKind(t, wire.KindPong, wire.KindDelivered, wire.KindQueued)
	if got.Kind != wire.KindPong {
		t.Fatalf("unidentified SEND must not get a delivery reply, got %s", got.Kind)
	}
}

func TestIdentifyAndPeerAddr(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	a.sendLine(t, "IDENTIFY:9090")

	b := dialTestClient(t, srv.Addr())
	b.register(t, "9123456789")

	deadline := time.Now().Add(3 * time.Second)
	for {
		b.sendLine(t, "GET_PEER_ADDR:9876543210")
		got := b.expectKind(t, wire.KindPeerAddr, wire.KindPeerUnknown)
		if got.Kind == wire.KindPeerAddr {
			if got.Host != "127.0.0.1" || got.Port != 9090 {
				t.Fatalf("endpoint = %s:%d", got.Host, got.Port)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("IDENTIFY never took effect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	b.sendLine(t, "GET_PEER_ADDR:9999999999")
	got := b.expectKind(t, wire.KindPeerAddr, wire.KindPeerUnknown)
	if got.Kind != wire.KindPeerUnknown {
		t.Fatalf("unknown user should yield PEER_UNKNOWN")
	}
}

func TestSendFileForwarded(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestClient(t, srv.Addr())
	b := dialTestClient(t, srv.Addr())
	a.register(t, "9876543210")
	b.register(t, "9123456789")

	a.sendLine(t, "SEND_FILE:9123456789:pic.png:2048:f-42")
	file := b.expectKind(t, wire.KindFile)
	if file.From != "9876543210" || file.FileName != "pic.png" || file.FileSize != 2048 || file.FileID != "f-42" {
		t.Fatalf("file notice mangled: %#v", file)
	}
	reply := a.expectKind(t, wire.KindDelivered, wire.KindQueued)
	if reply.Kind != wire.KindDelivered {
		t.Fatalf("got %s, want DELIVERED", reply.Kind)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.register(t, "9876543210")

	srv.Shutdown(2 * time.Second)

	// 会话连接被关掉，阻塞读应当很快返回错误
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, err := c.r.ReadString('\n'); err != nil {
			return
		}
	}
}

func countOf(users []string, u string) int {
	n := 0
	for _, x := range users {
		if x == u {
			n++
		}
	}
	return n
}
