package models

// Recipient 通知接收人及其可用渠道
type Recipient struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	PushTokens      int    `json:"push_tokens"`      // 已注册的推送设备数
	RealtimeEnabled bool   `json:"realtime_enabled"` // 是否有在线的实时通道订阅
}

// HasDeviceTarget 是否存在可用的设备通道（实时或推送）
func (r *Recipient) HasDeviceTarget() bool {
	return r.PushTokens > 0 || r.RealtimeEnabled
}
