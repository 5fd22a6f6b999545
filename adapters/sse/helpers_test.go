package sse_test

import (
	"io"
	"log/slog"
	"sync"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Message 表示一個 SSE 訊息，包含頻道與資料字段。
type Message struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

func messageKey(m Message) string {
	return m.Channel
}

// fakeSource 以記憶體 channel 模擬 redis.Consumer
type fakeSource struct {
	mu      sync.Mutex
	ch      chan Message
	started int
	closed  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan Message)}
}

func (s *fakeSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *fakeSource) Subscribe() <-chan Message {
	return s.ch
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == 0 {
		close(s.ch)
	}
	s.closed++
}

func (s *fakeSource) send(m Message) {
	s.ch <- m
}
