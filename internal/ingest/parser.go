package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParsedPunch 协议无关的一次打卡
type ParsedPunch struct {
	DeviceUserID string
	PunchTime    time.Time
	PunchType    string
}

// UserInfoRecord 终端上报的用户资料行（PIN= / Name= 键值对）
type UserInfoRecord struct {
	DeviceUserID string
	Name         string
}

// Batch 一个上报批次解析后的内容。坏行只计数不中断批次。
type Batch struct {
	Punches []ParsedPunch
	Users   []UserInfoRecord
	Skipped int
}

// 终端时间戳的常见写法，按出现频率排列
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
}

// ParseTerminalTime 按部署固定时区解析终端的本地钟时间戳。
// 终端不带时区，绝不能按 UTC 或机器本地时区解释，否则跨日漂移。
func ParseTerminalTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp: %q", value)
}

// ParseAttlogBody 解析 ATTLOG 批次：每行一次打卡，制表符分列
// `user \t time [\t type ...]`。
func ParseAttlogBody(body string, loc *time.Location) *Batch {
	b := &Batch{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := ParseAttlogLine(line, loc)
		if err != nil {
			b.Skipped++
			continue
		}
		b.Punches = append(b.Punches, *p)
	}
	return b
}

// ParseAttlogLine 解析单条打卡行
func ParseAttlogLine(line string, loc *time.Location) (*ParsedPunch, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, fmt.Errorf("attlog line needs at least 2 fields, got %d", len(fields))
	}
	userID := strings.TrimSpace(fields[0])
	if userID == "" {
		return nil, fmt.Errorf("attlog line has empty user id")
	}
	t, err := ParseTerminalTime(fields[1], loc)
	if err != nil {
		return nil, err
	}
	punchType := "0"
	if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
		punchType = strings.TrimSpace(fields[2])
	}
	return &ParsedPunch{DeviceUserID: userID, PunchTime: t, PunchType: punchType}, nil
}

// ParseUserInfoBody 解析 USERINFO 批次：每行若干 KEY=VALUE 对，
// 以空白分隔，PIN 与 Name 之外的键忽略。
func ParseUserInfoBody(body string) *Batch {
	b := &Batch{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" {
			continue
		}
		u := parseUserInfoLine(line)
		if u == nil {
			b.Skipped++
			continue
		}
		b.Users = append(b.Users, *u)
	}
	return b
}

func parseUserInfoLine(line string) *UserInfoRecord {
	// "USER PIN=38\tName=Ramesh Kumar\t..." 或纯键值对行
	line = strings.TrimPrefix(line, "USER ")
	rec := &UserInfoRecord{}
	for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == '\t' }) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "PIN":
			rec.DeviceUserID = strings.TrimSpace(v)
		case "Name":
			rec.Name = strings.TrimSpace(v)
		}
	}
	if rec.DeviceUserID == "" {
		return nil
	}
	return rec
}

// binaryEnvelope 部分固件用 4 字节二进制头 + JSON 的轻量信封上报
type binaryEnvelope struct {
	UserID string `json:"user_id"`
	IOTime string `json:"io_time"`
}

// DecodeBinaryEnvelope 识别并拆开二进制信封：剥掉 4 字节头，
// 剩余字节按 JSON 解析，重组为制表符打卡行交还公共行处理器。
// 不是信封时返回原文。
func DecodeBinaryEnvelope(body []byte) (string, bool) {
	if len(body) <= 4 || body[0] == '{' || isPrintable(body[0]) {
		return string(body), false
	}
	var env binaryEnvelope
	if err := json.Unmarshal(body[4:], &env); err != nil || env.UserID == "" || env.IOTime == "" {
		return string(body), false
	}
	return env.UserID + "\t" + env.IOTime, true
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b < 0x7f
}
