package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	masstree "masstree-go"
	"masstree-go/index"
)

var (
	tree   *index.Tree
	logger *zap.Logger
)

func handlePut(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var data map[string]string
	if err := json.NewDecoder(request.Body).Decode(&data); err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	for key, value := range data {
		if _, err := tree.Put([]byte(key), value); err != nil {
			http.Error(writer, err.Error(), http.StatusInsufficientStorage)
			logger.Warn("failed to put key", zap.String("key", key), zap.Error(err))
			return
		}
	}
}

func handleGet(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := request.URL.Query().Get("key")
	value, ok := tree.Get([]byte(key))
	if !ok {
		http.Error(writer, "key not found", http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(value)
}

func handleDelete(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodDelete {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := request.URL.Query().Get("key")
	tree.Delete([]byte(key))
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode("OK!")
}

func handleStat(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := tree.Stats()
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"keys":        st.Keys,
		"layers":      st.Layers,
		"nodes_live":  st.NodesLive,
		"node_memory": humanize.IBytes(uint64(st.NodeBytes)),
		"epoch":       st.Epoch,
		"restarts":    st.Restarts,
		"stats":       st,
	})
}

func newMux() *http.ServeMux {
	// 注册处理方法
	mux := http.NewServeMux()
	mux.HandleFunc("/put", handlePut)
	mux.HandleFunc("/get", handleGet)
	mux.HandleFunc("/delete", handleDelete)
	mux.HandleFunc("/stat", handleStat)
	return mux
}

// serve 处理请求直到 ctx 结束，所有请求处理完成之后才释放索引
func serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{Handler: newMux()}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		_ = tree.Close()
		return err
	case <-ctx.Done():
	}
	err := server.Shutdown(context.Background())
	if serr := <-errCh; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	if cerr := tree.Close(); err == nil {
		err = cerr
	}
	return err
}

func main() {
	addr := flag.String("addr", "localhost:8080", "监听地址")
	maxNodes := flag.Int("max-nodes", 0, "节点数量上限，0 表示不限制")
	flag.Parse()

	var err error
	if logger, err = zap.NewProduction(); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	opts := masstree.DefaultOptions
	opts.MaxNodes = *maxNodes
	opts.Logger = logger.Named("masstree")
	if tree, err = index.NewMassTree(opts); err != nil {
		logger.Fatal("failed to create tree", zap.Error(err))
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		_ = tree.Close()
		logger.Fatal("failed to listen", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 启动HTTP服务器
	logger.Info("http server started", zap.String("addr", ln.Addr().String()))
	if err := serve(ctx, ln); err != nil {
		logger.Error("http server exited", zap.Error(err))
	}
}
