package sse

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrNilSource     = errors.New("source cannot be nil")
	ErrNilKeyFunc    = errors.New("key function cannot be nil")
	ErrManagerClosed = errors.New("connection manager is closed")
)

type managerOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type ManagerOption func(*managerOptions)

// WithManagerLogger 設定日誌記錄器
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithManagerBufferSize 設定每個訂閱者的緩衝大小
func WithManagerBufferSize(size int) ManagerOption {
	return func(o *managerOptions) {
		o.bufferSize = size
	}
}

// ConnectionManager 管理多個 SSE 頻道的訂閱。
// 訊息來自共用的 source (例如 Redis Stream)，讓多個服務實例都能收到同樣的事件，
// 再依 keyFunc 算出的頻道名稱分送給本機的訂閱者。
type ConnectionManager[T any] struct {
	logger  *slog.Logger
	options managerOptions

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	source   ISource[T]
	keyFunc  func(T) string
	channels map[string]*Channel[T] // 儲存所有活躍的頻道
}

// NewConnectionManager 建立一個新的連線管理器。
// source: 訊息來源，生命週期由 manager 管理
// keyFunc: 由訊息算出頻道名稱
func NewConnectionManager[T any](source ISource[T], keyFunc func(T) string, opts ...ManagerOption) (*ConnectionManager[T], error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if keyFunc == nil {
		return nil, ErrNilKeyFunc
	}
	options := managerOptions{
		logger:     slog.Default(),
		bufferSize: 16,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &ConnectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		options:  options,
		source:   source,
		keyFunc:  keyFunc,
		channels: make(map[string]*Channel[T]),
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *ConnectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.active {
		return
	}
	cm.active = true
	cm.source.Start()
	messages := cm.source.Subscribe()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range messages {
			name := cm.keyFunc(msg)
			cm.mu.RLock()
			if channel, ok := cm.channels[name]; ok {
				if dropped := channel.Broadcast(msg); dropped > 0 {
					cm.logger.Warn("subscriber buffer full, message dropped",
						slog.String("channel", name),
						slog.Int("dropped", dropped))
				}
			}
			cm.mu.RUnlock()
		}
	}()
}

// Done 停止連線管理器的運作，並關閉所有訂閱者的通道。
func (cm *ConnectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	// source 關閉後訊息通道會被關閉，轉發的 goroutine 隨之結束
	cm.source.Close()
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// 返回: 用於接收訊息的唯讀通道，manager 停止後通道會被關閉
func (cm *ConnectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.bufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *ConnectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}

var _ IConnectionManager[struct{}] = (*ConnectionManager[struct{}])(nil)
