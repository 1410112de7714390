package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
	"github.com/alpesh15gb/apextime-core/internal/ingest"
)

// DeviceLister 按协议列设备（test 打卡找第一台 HIKVISION_DIRECT 用）
type DeviceLister interface {
	ListByProtocol(ctx context.Context, protocol string) ([]*domain.Device, error)
}

// HikvisionHandler Hikvision HTTP Host 模式事件监听。
// MinMoe / K1T 系列在事件发生时推 XML 或 JSON，序列号可能在
// 请求头、顶层字段或嵌套事件对象里，按固定优先级取。
type HikvisionHandler struct {
	ingestor *ingest.Ingestor
	devices  DeviceLister
	logger   *zap.Logger
}

func NewHikvisionHandler(ingestor *ingest.Ingestor, devices DeviceLister, logger *zap.Logger) *HikvisionHandler {
	return &HikvisionHandler{ingestor: ingestor, devices: devices, logger: logger}
}

// hikEvent Hikvision 事件的各种投递形态收敛后的字段
type hikEvent struct {
	SerialNo     string
	EmployeeNo   string
	Name         string
	Time         string
	SubEventType string
}

// looseString 同一字段不同固件有的发字符串有的发数字
// （serialNo 既有 "DS-K1T341AM001" 也有纯数字），都收作字符串
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(trimmed)
	return nil
}

// Liveness 连通性探测。?test=1 为第一台 HIKVISION_DIRECT 设备
// 写一条合成打卡，方便安装现场验证链路。
func (h *HikvisionHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("test") != "1" {
		writeText(w, "Hikvision Event Listener is Active. To test your connection, visit: /hikvision/event?test=1")
		return
	}

	devices, err := h.devices.ListByProtocol(r.Context(), domain.ProtocolHikvision)
	if err != nil || len(devices) == 0 {
		writeText(w, "Hikvision Listener is Active, but no HIKVISION_DIRECT device is registered. Please add a device with its Serial Number first.")
		return
	}

	device := devices[0]
	h.ingestor.IngestOne(r.Context(), device, ingest.ParsedPunch{
		DeviceUserID: "TEST999",
		PunchTime:    time.Now().In(h.ingestor.Location()),
		PunchType:    "0",
	}, "")
	writeText(w, "SUCCESS: Simulated punch for device "+device.SerialNumber+" was saved. Check the dashboard for user TEST999.")
}

// ReceiveEvent 单事件推送。应答永远 200 OK，终端没有有意义的
// 错误恢复能力。
func (h *HikvisionHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.decodeEvent(r)
	if err != nil {
		h.logger.Warn("Unparseable hikvision event", zap.Error(err))
		writeText(w, "OK")
		return
	}

	// 仅 75（验证通过）或缺失算打卡，开关门等其他子事件忽略
	if ev.SubEventType != "" && ev.SubEventType != "75" {
		writeText(w, "OK")
		return
	}
	if ev.SerialNo == "" {
		h.logger.Warn("Hikvision event received without serial number")
		writeText(w, "OK")
		return
	}
	if ev.EmployeeNo == "" || ev.Time == "" {
		writeText(w, "OK")
		return
	}

	device := h.ingestor.LookupDevice(r.Context(), ev.SerialNo)
	if device == nil {
		writeText(w, "OK")
		return
	}

	punchTime, err := ingest.ParseTerminalTime(ev.Time, h.ingestor.Location())
	if err != nil {
		h.logger.Warn("Hikvision event with unparseable time",
			zap.String("serial_number", ev.SerialNo), zap.String("time", ev.Time))
		writeText(w, "OK")
		return
	}

	h.ingestor.IngestOne(r.Context(), device, ingest.ParsedPunch{
		DeviceUserID: ev.EmployeeNo,
		PunchTime:    punchTime,
		PunchType:    "0",
	}, ev.Name)
	writeText(w, "OK")
}

// batchRequest 边缘代理的囤积转发批次
type batchRequest struct {
	AgentName string `json:"agentName"`
	Punches   []struct {
		SN        string `json:"sn"`
		UserID    string `json:"userId"`
		UserName  string `json:"userName"`
		PunchTime string `json:"punchTime"`
	} `json:"punches"`
}

// ReceiveBatch 接收边缘代理 store-and-forward 批次。
// 面向代理而非终端，返回 JSON 计数。
func (h *HikvisionHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}

	inserted, duplicates, skipped := 0, 0, 0
	for _, p := range req.Punches {
		device := h.ingestor.LookupDevice(r.Context(), p.SN)
		if device == nil {
			skipped++
			continue
		}
		punchTime, err := ingest.ParseTerminalTime(p.PunchTime, h.ingestor.Location())
		if err != nil {
			skipped++
			continue
		}
		res := h.ingestor.IngestOne(r.Context(), device, ingest.ParsedPunch{
			DeviceUserID: p.UserID,
			PunchTime:    punchTime,
			PunchType:    "0",
		}, p.UserName)
		inserted += res.Inserted
		duplicates += res.Duplicates
		skipped += res.Skipped
	}

	h.logger.Info("Agent batch ingested",
		zap.String("agent", req.AgentName),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", duplicates),
		zap.Int("skipped", skipped))
	writeJSON(w, http.StatusOK, map[string]any{
		"inserted":   inserted,
		"duplicates": duplicates,
		"skipped":    skipped,
	})
}

// decodeEvent 把 JSON / XML / multipart 三种投递形态收敛为一个事件
func (h *HikvisionHandler) decodeEvent(r *http.Request) (*hikEvent, error) {
	body, err := h.eventBody(r)
	if err != nil {
		return nil, err
	}

	ev := &hikEvent{
		SerialNo: firstNonEmpty(r.Header.Get("X-Device-Serial"), r.Header.Get("X-Device-Id")),
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "<") {
		extractXML(trimmed, ev)
		return ev, nil
	}

	var payload struct {
		SerialNo          looseString `json:"serialNo"`
		EmployeeNo        looseString `json:"employeeNo"`
		Name              string      `json:"name"`
		Time              string      `json:"time"`
		EventNotification *struct {
			SerialNo   looseString `json:"serialNo"`
			EmployeeNo looseString `json:"employeeNo"`
			Name       string      `json:"name"`
			Time       string      `json:"time"`
		} `json:"EventNotification"`
		AccessControllerEvent *struct {
			SerialNo         looseString `json:"serialNo"`
			EmployeeNoString string      `json:"employeeNoString"`
			Name             string      `json:"name"`
			DateTime         string      `json:"dateTime"`
			SubEventType     looseString `json:"subEventType"`
		} `json:"AccessControllerEvent"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		// XML 以 JSON 字符串字段包裹投递的固件：正则兜底
		extractXML(trimmed, ev)
		if ev.EmployeeNo == "" && ev.SerialNo == "" {
			return nil, err
		}
		return ev, nil
	}

	// 顶层 → EventNotification → AccessControllerEvent 的固定优先级
	serial := []string{string(payload.SerialNo)}
	employee := []string{string(payload.EmployeeNo)}
	eventTime := []string{payload.Time}
	name := []string{payload.Name}
	if en := payload.EventNotification; en != nil {
		serial = append(serial, string(en.SerialNo))
		employee = append(employee, string(en.EmployeeNo))
		eventTime = append(eventTime, en.Time)
		name = append(name, en.Name)
	}
	if ace := payload.AccessControllerEvent; ace != nil {
		serial = append(serial, string(ace.SerialNo))
		employee = append(employee, ace.EmployeeNoString)
		eventTime = append(eventTime, ace.DateTime)
		name = append(name, ace.Name)
		ev.SubEventType = string(ace.SubEventType)
	}
	if ev.SerialNo == "" {
		ev.SerialNo = firstNonEmpty(serial...)
	}
	ev.EmployeeNo = firstNonEmpty(employee...)
	ev.Time = firstNonEmpty(eventTime...)
	ev.Name = firstNonEmpty(name...)
	return ev, nil
}

// eventBody 取出事件正文；multipart 投递时取 event_log 字段
func (h *HikvisionHandler) eventBody(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		if v := r.FormValue("event_log"); v != "" {
			return []byte(v), nil
		}
		if r.MultipartForm != nil {
			for _, headers := range r.MultipartForm.File {
				for _, fh := range headers {
					f, err := fh.Open()
					if err != nil {
						continue
					}
					data, err := io.ReadAll(f)
					f.Close()
					if err == nil {
						return data, nil
					}
				}
			}
		}
		return nil, nil
	}
	return io.ReadAll(r.Body)
}

var xmlFieldPatterns = map[string]*regexp.Regexp{
	"serialNo":     regexp.MustCompile(`<serialNo>([^<]+)</serialNo>`),
	"employeeNo":   regexp.MustCompile(`<employeeNo(?:String)?>([^<]+)</employeeNo(?:String)?>`),
	"name":         regexp.MustCompile(`<name>([^<]+)</name>`),
	"dateTime":     regexp.MustCompile(`<dateTime>([^<]+)</dateTime>`),
	"time":         regexp.MustCompile(`<time>([^<]+)</time>`),
	"subEventType": regexp.MustCompile(`<subEventType>([^<]+)</subEventType>`),
}

// extractXML 括号匹配提取，完整 XML 解析对这些固件的半成品报文
// 反而更脆
func extractXML(body string, ev *hikEvent) {
	get := func(field string) string {
		if m := xmlFieldPatterns[field].FindStringSubmatch(body); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	if ev.SerialNo == "" {
		ev.SerialNo = get("serialNo")
	}
	ev.EmployeeNo = get("employeeNo")
	ev.Name = get("name")
	ev.Time = firstNonEmpty(get("dateTime"), get("time"))
	ev.SubEventType = get("subEventType")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
