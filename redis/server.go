package redis

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	masstree "masstree-go"
	"masstree-go/index"
)

// Server RESP 协议服务，数据保存在内存索引中
type Server struct {
	cfg     Config
	log     *zap.Logger
	rds     *RedisDataStructure
	server  *redcon.Server
	started time.Time

	clients  atomic.Int64
	commands atomic.Int64

	// 每条命令执行期间持有读锁，Close 持有写锁等待正在执行的命令结束
	mu       sync.RWMutex
	shutdown bool
}

// NewServer 根据配置创建索引和服务，调用 Serve 开始处理请求
func NewServer(cfg Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	typ, _ := cfg.IndexType()
	opts := cfg.TreeOptions()
	opts.Logger = log.Named("masstree")

	var idx index.Indexer
	if typ == index.MassTreeIndex {
		mt, err := index.NewMassTreeWithInterval(opts, cfg.ReclaimInterval)
		if err != nil {
			return nil, err
		}
		idx = mt
	} else {
		var err error
		if idx, err = index.NewIndexer(typ, opts); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		rds:     NewRedisDataStructure(idx),
		started: time.Now(),
	}
	s.server = redcon.NewServer(cfg.Addr, s.execClientCommand, s.accept, s.closed)
	return s, nil
}

// Serve 在 ln 上处理请求，直到 Close
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("redis server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("index", s.cfg.Index))
	return s.server.Serve(ln)
}

// ListenAndServe 监听配置中的地址
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Close 停止服务并释放索引
// 连接由 redcon 异步关闭，之后到达的命令直接返回错误，不再访问索引
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	err := s.server.Close()
	if cerr := s.rds.Close(); err == nil {
		err = cerr
	}
	s.log.Info("redis server stopped", zap.Int64("commands", s.commands.Load()))
	return err
}

func (s *Server) accept(conn redcon.Conn) bool {
	conn.SetContext(&Client{server: s, db: s.rds})
	s.clients.Add(1)
	s.log.Debug("client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	s.clients.Add(-1)
	if err != nil {
		s.log.Debug("client closed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// treeStats 索引为 masstree 时返回统计信息
func (s *Server) treeStats() (masstree.Stats, bool) {
	if st, ok := s.rds.idx.(interface{ Stats() masstree.Stats }); ok {
		return st.Stats(), true
	}
	return masstree.Stats{}, false
}
