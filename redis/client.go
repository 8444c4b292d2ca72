package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/tidwall/redcon"
	"go.uber.org/zap"
)

func newWrongNumberOfArgsError(cmd string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", cmd)
}

var (
	errSyntax       = errors.New("ERR syntax error")
	errServerClosed = errors.New("ERR server closed")
)

type cmdHandler func(cli *Client, args [][]byte) (interface{}, error)

var supportedCommands = map[string]cmdHandler{
	"ping":   nil,
	"quit":   nil,
	"set":    set,
	"get":    get,
	"del":    del,
	"exists": exists,
	"type":   typ,
	"ttl":    ttl,
	"dbsize": dbsize,
	"info":   info,
}

// Client 每个连接的上下文
type Client struct {
	server *Server
	db     *RedisDataStructure
}

func (s *Server) execClientCommand(conn redcon.Conn, cmd redcon.Command) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		conn.WriteError(errServerClosed.Error())
		_ = conn.Close()
		return
	}
	s.commands.Add(1)
	command := strings.ToLower(string(cmd.Args[0]))
	cmdFunc, ok := supportedCommands[command]
	if !ok {
		conn.WriteError("Err unsupported command '" + command + "'")
		return
	}

	client, _ := conn.Context().(*Client)

	switch command {
	case "quit":
		conn.WriteString("OK")
		_ = conn.Close()
	case "ping":
		switch len(cmd.Args) {
		case 1:
			conn.WriteString("PONG")
		case 2:
			conn.WriteBulk(cmd.Args[1])
		default:
			conn.WriteError(newWrongNumberOfArgsError("ping").Error())
		}
	default:
		res, err := cmdFunc(client, cmd.Args[1:])
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				conn.WriteNull()
			} else {
				s.log.Warn("command failed", zap.String("command", command), zap.Error(err))
				conn.WriteError(err.Error())
			}
			return
		}
		conn.WriteAny(res)
	}
}

// set key value [EX seconds | PX milliseconds]
func set(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) != 2 && len(args) != 4 {
		return nil, newWrongNumberOfArgsError("set")
	}

	key, value := args[0], args[1]
	var ttl time.Duration
	if len(args) == 4 {
		n, err := strconv.ParseInt(string(args[3]), 10, 64)
		if err != nil || n <= 0 {
			return nil, errSyntax
		}
		switch strings.ToLower(string(args[2])) {
		case "ex":
			ttl = time.Duration(n) * time.Second
		case "px":
			ttl = time.Duration(n) * time.Millisecond
		default:
			return nil, errSyntax
		}
	}
	if err := cli.db.Set(key, ttl, value); err != nil {
		return nil, err
	}
	return redcon.SimpleString("OK"), nil
}

func get(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) != 1 {
		return nil, newWrongNumberOfArgsError("get")
	}

	value, err := cli.db.Get(args[0])
	if err != nil {
		return nil, err
	}
	return value, nil
}

func del(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) == 0 {
		return nil, newWrongNumberOfArgsError("del")
	}
	var n int
	for _, key := range args {
		ok, err := cli.db.Del(key)
		if err != nil {
			return nil, err
		}
		if ok {
			n++
		}
	}
	return redcon.SimpleInt(n), nil
}

func exists(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) == 0 {
		return nil, newWrongNumberOfArgsError("exists")
	}
	var n int
	for _, key := range args {
		if cli.db.Exists(key) {
			n++
		}
	}
	return redcon.SimpleInt(n), nil
}

func typ(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) != 1 {
		return nil, newWrongNumberOfArgsError("type")
	}
	t, err := cli.db.Type(args[0])
	if errors.Is(err, ErrKeyNotFound) {
		return redcon.SimpleString("none"), nil
	}
	if err != nil {
		return nil, err
	}
	switch t {
	case String:
		return redcon.SimpleString("string"), nil
	}
	return redcon.SimpleString("unknown"), nil
}

func ttl(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) != 1 {
		return nil, newWrongNumberOfArgsError("ttl")
	}
	d, err := cli.db.TTL(args[0])
	if errors.Is(err, ErrKeyNotFound) {
		return redcon.SimpleInt(-2), nil
	}
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return redcon.SimpleInt(-1), nil
	}
	return redcon.SimpleInt(int((d + time.Second - 1) / time.Second)), nil
}

func dbsize(cli *Client, args [][]byte) (interface{}, error) {
	if len(args) != 0 {
		return nil, newWrongNumberOfArgsError("dbsize")
	}
	return redcon.SimpleInt(cli.db.Size()), nil
}

func info(cli *Client, args [][]byte) (interface{}, error) {
	s := cli.server
	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\n")
	fmt.Fprintf(&b, "index:%s\r\n", s.cfg.Index)
	fmt.Fprintf(&b, "uptime:%s\r\n", humanize.Time(s.started))
	fmt.Fprintf(&b, "connected_clients:%d\r\n", s.clients.Load())
	fmt.Fprintf(&b, "total_commands_processed:%s\r\n", humanize.Comma(s.commands.Load()))
	fmt.Fprintf(&b, "# Keyspace\r\n")
	fmt.Fprintf(&b, "keys:%s\r\n", humanize.Comma(int64(cli.db.Size())))
	if st, ok := s.treeStats(); ok {
		fmt.Fprintf(&b, "# Masstree\r\n")
		fmt.Fprintf(&b, "layers:%d\r\n", st.Layers)
		fmt.Fprintf(&b, "nodes_live:%s\r\n", humanize.Comma(st.NodesLive))
		fmt.Fprintf(&b, "nodes_freed:%s\r\n", humanize.Comma(st.NodesFreed))
		fmt.Fprintf(&b, "node_memory:%s\r\n", humanize.IBytes(uint64(st.NodeBytes)))
		fmt.Fprintf(&b, "epoch:%d\r\n", st.Epoch)
		fmt.Fprintf(&b, "pending_nodes:%d\r\n", st.PendingNodes)
		fmt.Fprintf(&b, "restarts:%s\r\n", humanize.Comma(st.Restarts))
		fmt.Fprintf(&b, "splits:%d merges:%d borrows:%d\r\n", st.Splits, st.Merges, st.Borrows)
	}
	return b.String(), nil
}
