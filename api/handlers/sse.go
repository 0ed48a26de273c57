package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BaSui01/hybridrag/api"
)

// sseWriter 写 text/event-stream 帧，每帧写完立即 flush
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// newSSEWriter 只检查能力，不写任何头；失败时调用方仍可返回普通错误响应
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

// start 写 SSE 响应头与 200 状态
func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// data 写一帧 "data: <json>\n\n"。json.Marshal 负责转义，防止帧注入
func (s *sseWriter) data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(payload)
}

// done 写结束标记
func (s *sseWriter) done() error {
	return s.raw([]byte(api.DoneMarker))
}

func (s *sseWriter) raw(payload []byte) error {
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
