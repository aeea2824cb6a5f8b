package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxCloseReason 关闭帧 reason 的最大字节数
const maxCloseReason = 123

// queueItem 发送队列元素，close 为 true 时表示写关闭帧后退出
type queueItem struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// Client 基于 gorilla/websocket 的 Transport 实现
//
// 所有写操作都在 writePump 中完成，Send 和 Close 只向队列投递，因此同一连接上的
// 帧按调用顺序写出，关闭帧排在此前入队的帧之后。
type Client struct {
	conn *websocket.Conn
	cfg  ClientConfig
	log  *zap.Logger

	// 发送队列，从不关闭
	send chan queueItem
	// 队列已满时的强制关闭信号
	stop chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	writeDone chan struct{}

	// 由 Hub 在准入后设置
	id      string
	onFrame func(msgType int, data []byte)
	onClose func(code int, reason string)
}

// NewClient 包装已升级的连接
func NewClient(conn *websocket.Conn, cfg ClientConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		conn:      conn,
		cfg:       cfg,
		log:       log,
		send:      make(chan queueItem, cfg.SendQueueSize),
		stop:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// bind 设置连接 ID 和回调，必须在 Run 之前调用
func (c *Client) bind(id string, onFrame func(int, []byte), onClose func(int, string)) {
	c.id = id
	c.onFrame = onFrame
	c.onClose = onClose
	c.log = c.log.With(zap.String("conn_id", id))
}

// Send 非阻塞入队
func (c *Client) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- queueItem{data: frame}:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close 关闭连接，只有第一次调用生效
// code 为 1006 时不写关闭帧，直接断开底层连接
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		select {
		case c.send <- queueItem{close: true, code: code, reason: reason}:
		default:
			close(c.stop)
		}
	})
}

// IsClosed 是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Run 启动读写循环，阻塞到读循环结束
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
	<-c.writeDone
}

// readPump 读取上行帧，连接断开时回调 onClose
func (c *Client) readPump() {
	code, reason := websocket.CloseAbnormalClosure, "connection lost"
	defer func() {
		if c.onClose != nil {
			c.onClose(code, reason)
		}
		// 确保 writePump 退出
		c.Close(websocket.CloseAbnormalClosure, reason)
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return
	}
	// pong 只延长读超时，不计为活动
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
				if reason == "" {
					reason = "client closed"
				}
			} else {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			return
		}
		if c.onFrame != nil {
			c.onFrame(msgType, data)
		}
	}
}

// writePump 串行写出队列中的帧并定时发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case item := <-c.send:
			if item.close {
				c.writeClose(item.code, item.reason)
				return
			}
			if err := c.write(websocket.TextMessage, item.data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.stop:
			return
		}
	}
}

func (c *Client) write(msgType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, data)
}

// writeClose 1005/1006 不能出现在关闭帧中
func (c *Client) writeClose(code int, reason string) {
	if code == websocket.CloseAbnormalClosure || code == websocket.CloseNoStatusReceived {
		return
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
}
