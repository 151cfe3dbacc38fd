package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
)

const agentPresenceKey = "chat:agents:online"

// Client 代表一个 websocket 连接。一个连接可以同时加入多个房间
// （客服后台同时在 agents 房间和若干 session 房间里）。
type Client struct {
	ID       string
	UserID   uint
	Username string
	IsAgent  bool
	Send     chan map[string]interface{} // 发送队列（缓冲256条）

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(userID uint, username string, isAgent bool) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		Username: username,
		IsAgent:  isAgent,
		Send:     make(chan map[string]interface{}, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context 连接生命周期，写协程靠它退出
func (c *Client) Context() context.Context {
	return c.ctx
}

// AgentInfo 在线客服信息（Redis 在线列表用）
type AgentInfo struct {
	UserID   uint      `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

// Hub 房间注册表。房间按名字分组：session:<id>、agents、customers。
// 注册表只在连接自己的 join/leave 时变更，广播走读锁。
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Client // room name -> client id -> client
	clients map[string]*Client            // client id -> client
	member  map[string]map[string]bool    // client id -> room set
	redis   *redis.Client                 // 可为 nil（测试环境）
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		rooms:   make(map[string]map[string]*Client),
		clients: make(map[string]*Client),
		member:  make(map[string]map[string]bool),
		redis:   redisClient,
	}
}

// Register 注册连接，不加入任何房间。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.member[c.ID] = make(map[string]bool)
	h.mu.Unlock()

	if c.IsAgent {
		h.addAgentPresence(c)
	}
}

// Unregister 移除连接并退出其所有房间，关闭发送队列。
func (h *Hub) Unregister(c *Client) {
	c.cancel()

	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	for room := range h.member[c.ID] {
		h.leaveLocked(c, room)
	}
	delete(h.member, c.ID)
	delete(h.clients, c.ID)
	close(c.Send)
	h.mu.Unlock()

	if c.IsAgent {
		h.removeAgentPresence(c)
	}
}

// Join 加入房间。重复加入是幂等的。
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return // 已注销的连接
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][c.ID] = c
	h.member[c.ID][room] = true
}

// Leave 退出房间
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
	delete(h.member[c.ID], room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast 向房间内所有连接投递。投递是 at-most-once、尽力而为：
// 发送队列满的慢客户端直接断开，靠重连后的全量拉取恢复状态。
func (h *Hub) Broadcast(room string, data map[string]interface{}) {
	h.BroadcastExcept(room, data, "")
}

// BroadcastExcept 同 Broadcast，但跳过指定连接（typing 不回显给发送者）。
// 发送必须在读锁内：Unregister 在写锁内关 Send，读锁让发送和关闭互斥，
// 否则并发注销时会往已关闭的 channel 写。发送本身是非阻塞的，不会卡住锁。
func (h *Hub) BroadcastExcept(room string, data map[string]interface{}, exceptID string) {
	var slow []*Client

	h.mu.RLock()
	for _, c := range h.rooms[room] {
		if c.ID == exceptID {
			continue
		}
		select {
		case c.Send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// 发送队列满的慢客户端直接断开，靠重连后的全量拉取恢复状态
	for _, c := range slow {
		log.Warnf("client %s send buffer full, disconnecting", c.ID)
		h.Unregister(c)
	}
}

// RoomSize 房间当前连接数
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// 客服上线写入 Redis 在线列表（hash，field 为 user_id）
func (h *Hub) addAgentPresence(c *Client) {
	if h.redis == nil {
		return
	}
	ctx := context.Background()

	info := AgentInfo{
		UserID:   c.UserID,
		Username: c.Username,
		LastSeen: time.Now(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		log.Warnf("failed to marshal agent info: %v", err)
		return
	}

	field := fmt.Sprintf("%d", c.UserID)
	if err := h.redis.HSet(ctx, agentPresenceKey, field, data).Err(); err != nil {
		log.Warnf("failed to add agent presence: %v", err)
		return
	}
	h.redis.Expire(ctx, agentPresenceKey, 24*time.Hour)
}

// 客服下线，仅当同一 user 没有其他连接时才移除
func (h *Hub) removeAgentPresence(c *Client) {
	if h.redis == nil {
		return
	}

	h.mu.RLock()
	hasOther := false
	for _, other := range h.clients {
		if other.IsAgent && other.UserID == c.UserID && other.ID != c.ID {
			hasOther = true
			break
		}
	}
	h.mu.RUnlock()

	if hasOther {
		return
	}
	field := fmt.Sprintf("%d", c.UserID)
	if err := h.redis.HDel(context.Background(), agentPresenceKey, field).Err(); err != nil {
		log.Warnf("failed to remove agent presence: %v", err)
	}
}

// OnlineAgents 从 Redis 读取当前在线客服列表
func (h *Hub) OnlineAgents(ctx context.Context) ([]AgentInfo, error) {
	if h.redis == nil {
		return []AgentInfo{}, nil
	}
	result, err := h.redis.HGetAll(ctx, agentPresenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch online agents: %w", err)
	}

	agents := make([]AgentInfo, 0, len(result))
	for _, data := range result {
		var info AgentInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			log.Warnf("failed to unmarshal agent info: %v", err)
			continue
		}
		agents = append(agents, info)
	}
	return agents, nil
}
