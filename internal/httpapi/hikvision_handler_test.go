package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

func hikDevice() *domain.Device {
	return &domain.Device{
		DeviceID:     uuid.New().String(),
		TenantID:     "default",
		SerialNumber: "DS-K1T341AM001",
		DeviceName:   "Office Entry",
		Protocol:     domain.ProtocolHikvision,
		IsActive:     true,
	}
}

func TestReceiveEvent_JSONAccessControllerEvent(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	body := `{
		"AccessControllerEvent": {
			"serialNo": "DS-K1T341AM001",
			"employeeNoString": "42",
			"name": "Priya Sharma",
			"dateTime": "2026-01-15T09:02:11+05:30",
			"subEventType": 75
		}
	}`
	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	require.Len(t, punches.stored, 1)
	for _, p := range punches.stored {
		assert.Equal(t, "42", p.DeviceUserID)
	}
}

func TestReceiveEvent_AlphanumericSerialString(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	// 顶层字段以 JSON 字符串投递，序列号还是字母数字混排
	body := `{"serialNo": "DS-K1T341AM001", "employeeNo": "42", "time": "2026-01-15 09:02:11"}`
	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body)))

	assert.Equal(t, "OK", rec.Body.String())
	require.Len(t, punches.stored, 1)
	for _, p := range punches.stored {
		assert.Equal(t, "42", p.DeviceUserID)
	}
}

func TestReceiveEvent_HeaderSerialWins(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	body := `{"serialNo": "WRONG999", "employeeNo": 42, "time": "2026-01-15 09:02:11"}`
	req := httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body))
	req.Header.Set("X-Device-Serial", device.SerialNumber)

	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, req)

	assert.Equal(t, "OK", rec.Body.String())
	assert.Len(t, punches.stored, 1)
}

func TestReceiveEvent_XMLBody(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	body := `<EventNotificationAlert>
		<serialNo>DS-K1T341AM001</serialNo>
		<employeeNoString>77</employeeNoString>
		<name>Anil</name>
		<dateTime>2026-01-15T18:31:05+05:30</dateTime>
		<subEventType>75</subEventType>
	</EventNotificationAlert>`
	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body)))

	assert.Equal(t, "OK", rec.Body.String())
	require.Len(t, punches.stored, 1)
	for _, p := range punches.stored {
		assert.Equal(t, "77", p.DeviceUserID)
	}
}

func TestReceiveEvent_MultipartEventLog(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("event_log",
		`{"AccessControllerEvent": {"serialNo": "DS-K1T341AM001", "employeeNoString": "13", "dateTime": "2026-01-15 10:00:00", "subEventType": 75}}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/hikvision/event", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, req)

	assert.Equal(t, "OK", rec.Body.String())
	assert.Len(t, punches.stored, 1)
}

func TestReceiveEvent_NonAuthSubEventIgnored(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	// 21 = 开门事件，不是认证通过
	body := `{"AccessControllerEvent": {"serialNo": "DS-K1T341AM001", "employeeNoString": "42", "dateTime": "2026-01-15 09:02:11", "subEventType": 21}}`
	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body)))

	assert.Equal(t, "OK", rec.Body.String())
	assert.Empty(t, punches.stored)
}

func TestReceiveEvent_UnknownDeviceStillOK(t *testing.T) {
	devices := &fakeDevices{}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	body := `{"serialNo": "GHOST001", "employeeNo": 1, "time": "2026-01-15 09:00:00"}`
	rec := httptest.NewRecorder()
	h.ReceiveEvent(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Empty(t, punches.stored)
}

func TestLiveness_TestPunch(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/hikvision/event?test=1", nil))

	assert.Contains(t, rec.Body.String(), "SUCCESS")
	require.Len(t, punches.stored, 1)
	for _, p := range punches.stored {
		assert.Equal(t, "TEST999", p.DeviceUserID)
	}
}

func TestReceiveBatch_CountsPerPunch(t *testing.T) {
	device := hikDevice()
	devices := &fakeDevices{devices: []*domain.Device{device}}
	ingestor, punches := newTestIngestor(devices, &fakeEmployees{})
	h := NewHikvisionHandler(ingestor, devices, zap.NewNop())

	body := `{
		"agentName": "site-agent-1",
		"punches": [
			{"sn": "DS-K1T341AM001", "userId": "42", "userName": "Priya", "punchTime": "2026-01-15 09:02:11"},
			{"sn": "DS-K1T341AM001", "userId": "42", "userName": "Priya", "punchTime": "2026-01-15 09:02:11"},
			{"sn": "GHOST001", "userId": "1", "userName": "", "punchTime": "2026-01-15 09:05:00"}
		]
	}`
	rec := httptest.NewRecorder()
	h.ReceiveBatch(rec, httptest.NewRequest(http.MethodPost, "/hikvision/event/batch", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["inserted"])
	assert.Equal(t, 1, resp["duplicates"])
	assert.Equal(t, 1, resp["skipped"])
	assert.Len(t, punches.stored, 1)
}
