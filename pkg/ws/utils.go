package ws

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// newID 生成连接、信封和节点 ID
func newID() string {
	return uuid.NewString()
}

// maxRoomNameLen 房间名最大长度
const maxRoomNameLen = 128

// validRoom 检查房间名
func validRoom(name string) bool {
	if name == "" || len(name) > maxRoomNameLen {
		return false
	}
	return strings.TrimSpace(name) == name
}

// splitRooms 解析逗号分隔的房间列表，去重并忽略非法名称
func splitRooms(s string) []string {
	if s == "" {
		return nil
	}
	seen := make(map[string]struct{})
	rooms := make([]string, 0, 4)
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if !validRoom(name) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		rooms = append(rooms, name)
	}
	return rooms
}

// toSet 转换为集合
func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// sortedKeys 集合转有序切片
func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tokenFromRequest 优先读取 query 中的 token，其次是 Bearer 头
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// remoteIP 从 RemoteAddr 提取 IP
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
