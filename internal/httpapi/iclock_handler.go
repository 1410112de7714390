package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/command"
	"github.com/alpesh15gb/apextime-core/internal/ingest"
)

// IclockHandler ADMS / iclock 推送协议。ESSL、Matrix 等终端把
// 打卡直接推到服务端，并在同一通道上轮询命令。
type IclockHandler struct {
	ingestor *ingest.Ingestor
	commands *command.Service
	logger   *zap.Logger
}

func NewIclockHandler(ingestor *ingest.Ingestor, commands *command.Service, logger *zap.Logger) *IclockHandler {
	return &IclockHandler{ingestor: ingestor, commands: commands, logger: logger}
}

// Handshake 初始握手。options=all 时返回终端配置块，否则 OK。
func (h *IclockHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("SN")
	if sn == "" {
		http.Error(w, "Missing SN", http.StatusBadRequest)
		return
	}

	device := h.ingestor.LookupDevice(r.Context(), sn)
	if device == nil {
		writeText(w, "OK")
		return
	}

	if r.URL.Query().Get("options") == "all" {
		writeText(w, strings.Join([]string{
			"GET OPTION FROM: " + sn,
			"Stamp=9999",
			"OpStamp=9999",
			"PhotoStamp=9999",
			"ErrorDelay=30",
			"Delay=30",
			"TransTimes=00:00;14:00",
			"TransInterval=1",
			"TransFlag=1111111111",
			"Realtime=1",
			"Encrypt=0",
		}, "\n"))
		return
	}
	writeText(w, "OK")
}

// ReceiveData 接收批次上报。table 选择 ATTLOG（打卡）、USERINFO
// （用户资料）或 OPERLOG（忽略）。应答永远是 OK。
func (h *IclockHandler) ReceiveData(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("SN")
	if sn == "" {
		writeText(w, "OK")
		return
	}

	device := h.ingestor.LookupDevice(r.Context(), sn)
	if device == nil {
		writeText(w, "OK")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("Failed to read push body", zap.String("serial_number", sn), zap.Error(err))
		writeText(w, "OK")
		return
	}

	// 部分固件用 4 字节二进制信封包一条 JSON 打卡
	body, _ := ingest.DecodeBinaryEnvelope(raw)

	switch strings.ToUpper(r.URL.Query().Get("table")) {
	case "USERINFO":
		batch := ingest.ParseUserInfoBody(body)
		h.ingestor.IngestBatch(r.Context(), device, batch)
	case "OPERLOG":
		// 操作日志不参与考勤
	default:
		batch := ingest.ParseAttlogBody(body, h.ingestor.Location())
		h.ingestor.IngestBatch(r.Context(), device, batch)
	}
	writeText(w, "OK")
}

// GetRequest 命令轮询。取出待发命令并渲染为厂家文本语法，
// 无命令时 OK。
func (h *IclockHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("SN")
	if sn == "" {
		writeText(w, "OK")
		return
	}

	device := h.ingestor.LookupDevice(r.Context(), sn)
	if device == nil {
		writeText(w, "OK")
		return
	}

	commands, err := h.commands.Drain(r.Context(), device.DeviceID)
	if err != nil {
		h.logger.Error("Failed to drain commands", zap.String("device_id", device.DeviceID), zap.Error(err))
		writeText(w, "OK")
		return
	}
	if len(commands) == 0 {
		writeText(w, "OK")
		return
	}

	lines := make([]string, 0, len(commands))
	for _, c := range commands {
		line, err := command.FormatCommand(c)
		if err != nil {
			h.logger.Error("Failed to format command",
				zap.String("command_id", c.CommandID), zap.Error(err))
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		writeText(w, "OK")
		return
	}
	h.logger.Info("Commands delivered to device",
		zap.String("serial_number", sn), zap.Int("count", len(lines)))
	writeText(w, strings.Join(lines, "\n"))
}

// DeviceCmd 命令回执：表单 `ID=<n>&Return=<code>`，0 为成功。
func (h *IclockHandler) DeviceCmd(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("SN")
	if sn == "" {
		writeText(w, "OK")
		return
	}

	device := h.ingestor.LookupDevice(r.Context(), sn)
	if device == nil {
		writeText(w, "OK")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, "OK")
		return
	}
	body := string(raw)

	numericID, returnCode := parseCmdReceipt(body)
	if err := h.commands.CompleteByReturn(r.Context(), device.DeviceID, numericID, returnCode, body); err != nil {
		h.logger.Error("Failed to settle command receipt",
			zap.String("device_id", device.DeviceID), zap.Error(err))
	}
	writeText(w, "OK")
}

func parseCmdReceipt(body string) (numericID, returnCode int) {
	for _, pair := range strings.Split(strings.TrimSpace(body), "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ID":
			numericID = n
		case "Return":
			returnCode = n
		}
	}
	return numericID, returnCode
}
