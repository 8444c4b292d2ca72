package redis

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type respConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, index string) (*Server, *respConn) {
	cfg := DefaultConfig()
	cfg.Index = index
	cfg.Addr = "127.0.0.1:0"
	// 连接关闭的回调是异步的，不输出 debug 日志
	s, err := NewServer(cfg, zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ln)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := &respConn{t: t, conn: conn, r: bufio.NewReader(conn)}
	// 第一条命令返回时服务已经在运行
	assert.Equal(t, "+PONG", c.do("PING"))

	t.Cleanup(func() {
		_ = conn.Close()
		assert.NoError(t, s.Close())
		<-done
	})
	return s, c
}

// do 发送一条命令并读取一个回复，bulk string 返回其内容
func (c *respConn) do(args ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write([]byte(b.String()))
	require.NoError(c.t, err)

	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	line = strings.TrimSuffix(line, "\r\n")
	if !strings.HasPrefix(line, "$") || line == "$-1" {
		return line
	}
	n, err := strconv.Atoi(line[1:])
	require.NoError(c.t, err)
	buf := make([]byte, n+2)
	_, err = io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return string(buf[:n])
}

func TestServer_Commands(t *testing.T) {
	for _, index := range []string{"masstree", "btree", "art"} {
		t.Run(index, func(t *testing.T) {
			_, c := startServer(t, index)

			assert.Equal(t, "hello", c.do("PING", "hello"))
			assert.Equal(t, "$-1", c.do("GET", "k1"))
			assert.Equal(t, "+OK", c.do("SET", "k1", "v1"))
			assert.Equal(t, "v1", c.do("GET", "k1"))
			assert.Equal(t, "+OK", c.do("SET", "k1", "v2"))
			assert.Equal(t, "v2", c.do("get", "k1"))

			assert.Equal(t, "+OK", c.do("SET", "k2", "v"))
			assert.Equal(t, ":2", c.do("EXISTS", "k1", "k2", "k3"))
			assert.Equal(t, ":2", c.do("DBSIZE"))
			assert.Equal(t, "+string", c.do("TYPE", "k1"))
			assert.Equal(t, "+none", c.do("TYPE", "k3"))

			assert.Equal(t, ":2", c.do("DEL", "k1", "k2", "k3"))
			assert.Equal(t, ":0", c.do("DEL", "k1"))
			assert.Equal(t, ":0", c.do("DBSIZE"))
		})
	}
}

func TestServer_TTL(t *testing.T) {
	_, c := startServer(t, "masstree")

	assert.Equal(t, ":-2", c.do("TTL", "k"))
	assert.Equal(t, "+OK", c.do("SET", "k", "v"))
	assert.Equal(t, ":-1", c.do("TTL", "k"))
	assert.Equal(t, "+OK", c.do("SET", "k", "v", "EX", "100"))
	assert.Equal(t, ":100", c.do("TTL", "k"))

	assert.Equal(t, "+OK", c.do("SET", "p", "v", "px", "20"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "$-1", c.do("GET", "p"))
	assert.Equal(t, ":-2", c.do("TTL", "p"))
	assert.Equal(t, ":1", c.do("DBSIZE"))
}

func TestServer_Errors(t *testing.T) {
	_, c := startServer(t, "masstree")

	assert.True(t, strings.HasPrefix(c.do("HSET", "h", "f", "v"), "-Err unsupported command"))
	assert.True(t, strings.HasPrefix(c.do("GET"), "-ERR wrong number of arguments"))
	assert.True(t, strings.HasPrefix(c.do("SET", "k"), "-ERR wrong number of arguments"))
	assert.Equal(t, "-ERR syntax error", c.do("SET", "k", "v", "EX", "abc"))
	assert.Equal(t, "-ERR syntax error", c.do("SET", "k", "v", "KEEP", "1"))
	assert.Equal(t, "-ERR syntax error", c.do("SET", "k", "v", "EX", "0"))
	assert.Equal(t, ":0", c.do("DBSIZE"))
}

func TestServer_Info(t *testing.T) {
	s, c := startServer(t, "masstree")

	for i := 0; i < 100; i++ {
		assert.Equal(t, "+OK", c.do("SET", fmt.Sprintf("key-%03d", i), "value"))
	}
	info := c.do("INFO")
	assert.Contains(t, info, "index:masstree")
	assert.Contains(t, info, "keys:100")
	assert.Contains(t, info, "connected_clients:1")
	assert.Contains(t, info, "# Masstree")

	st, ok := s.treeStats()
	assert.True(t, ok)
	assert.Equal(t, 100, st.Keys)
	assert.GreaterOrEqual(t, st.Splits, int64(1))
}

func TestServer_InfoBTree(t *testing.T) {
	s, c := startServer(t, "btree")
	info := c.do("INFO")
	assert.Contains(t, info, "index:btree")
	assert.NotContains(t, info, "# Masstree")
	_, ok := s.treeStats()
	assert.False(t, ok)
}

func TestServer_Quit(t *testing.T) {
	_, c := startServer(t, "masstree")
	assert.Equal(t, "+OK", c.do("QUIT"))
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}

func TestNewServer_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Index = "skiplist"
	_, err := NewServer(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// 多个连接持续写入时关闭服务，正在执行的命令结束之后才释放索引
func TestServer_CloseWhilePipelining(t *testing.T) {
	s, c := startServer(t, "masstree")
	addr := c.conn.RemoteAddr().String()

	var pipeline strings.Builder
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key-%d", i)
		fmt.Fprintf(&pipeline, "*3\r\n$3\r\nSET\r\n$%d\r\n%s\r\n$5\r\nvalue\r\n", len(key), key)
		fmt.Fprintf(&pipeline, "*2\r\n$3\r\nGET\r\n$%d\r\n%s\r\n", len(key), key)
	}
	payload := []byte(pipeline.String())

	var (
		wg    sync.WaitGroup
		conns []net.Conn
	)
	for i := 0; i < 8; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, conn)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = conn.Write(payload)
		}()
		go func() {
			defer wg.Done()
			_, _ = io.Copy(io.Discard, conn)
		}()
	}

	time.Sleep(2 * time.Millisecond)
	assert.NoError(t, s.Close())
	for _, conn := range conns {
		_ = conn.Close()
	}
	wg.Wait()

	// 关闭之后的命令不再访问索引
	assert.NoError(t, s.Close())
}
