package utils

import (
	"net/url"

	"github.com/google/uuid"
)

// GenerateMessageID 生成唯一消息ID
func GenerateMessageID() string {
	return "msg-" + uuid.NewString()
}

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}

// GenerateListenerID 生成监听器ID
func GenerateListenerID() string {
	return uuid.NewString()
}

// IsValidURL 检查是否为合法的 ws/wss 地址
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}
