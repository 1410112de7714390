package realtime

import (
	"encoding/json"
	"strings"
)

// 消息类型
const (
	TypeDeviceStatus   = "DEVICE_STATUS"
	TypeAttendanceLog  = "ATTENDANCE_LOG"
	TypeCommandRequest = "COMMAND_REQUEST"
)

// Message RealTime 私有协议的一条入站消息。
// 同一型号不同固件可能发 JSON 对象，也可能发制表符分隔的控制行，
// 解析后收敛为同一结构。
type Message struct {
	Type     string
	DeviceID string // 终端序列号
	TransID  string
	UserID   string
	Time     string
	IOMode   string
}

type jsonMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	TransID  string `json:"transId"`
	Data     *struct {
		UserID    string `json:"userId"`
		Timestamp string `json:"timestamp"`
		IOMode    string `json:"ioMode"`
	} `json:"data"`
}

// Parse 解析入站消息。JSON 优先，失败再按制表符控制行
// （`STATUS\tserial\t...`、`ATTLOG\ttransId\tuser\ttime\tverify\tio`、
// `GETCMD\tserial`）解析。认不出返回 nil。
func Parse(raw []byte) *Message {
	var jm jsonMessage
	if err := json.Unmarshal(raw, &jm); err == nil && jm.Type != "" {
		m := &Message{
			Type:     jm.Type,
			DeviceID: jm.DeviceID,
			TransID:  jm.TransID,
		}
		if jm.Data != nil {
			m.UserID = jm.Data.UserID
			m.Time = jm.Data.Timestamp
			m.IOMode = jm.Data.IOMode
		}
		return m
	}

	parts := strings.Split(strings.TrimSpace(string(raw)), "\t")
	switch {
	case parts[0] == "STATUS" && len(parts) >= 2:
		return &Message{Type: TypeDeviceStatus, DeviceID: parts[1]}
	case parts[0] == "ATTLOG" && len(parts) >= 4:
		m := &Message{
			Type:    TypeAttendanceLog,
			TransID: parts[1],
			UserID:  parts[2],
			Time:    parts[3],
			IOMode:  "IN",
		}
		if len(parts) >= 6 && parts[5] != "" {
			m.IOMode = parts[5]
		}
		return m
	case parts[0] == "GETCMD" && len(parts) >= 2:
		return &Message{Type: TypeCommandRequest, DeviceID: parts[1]}
	}
	return nil
}
