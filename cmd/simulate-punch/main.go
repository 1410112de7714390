package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// 现场联调工具：往服务端打一条模拟打卡，验证摄入链路。
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "apextime-core base URL")
	protocol := flag.String("protocol", "hikvision", "hikvision or iclock")
	serial := flag.String("sn", "TEST_HIK_SN_12345", "device serial number")
	userID := flag.String("user", "TEST_USER_001", "device user id")
	count := flag.Int("count", 1, "number of punches to send")
	interval := flag.Duration("interval", time.Second, "delay between punches")
	flag.Parse()

	client := resty.New().SetTimeout(10 * time.Second)

	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		now := time.Now()

		var (
			resp *resty.Response
			err  error
		)
		switch *protocol {
		case "iclock":
			body := fmt.Sprintf("%s\t%s\t0\t1\n", *userID, now.Format("2006-01-02 15:04:05"))
			resp, err = client.R().
				SetHeader("Content-Type", "text/plain").
				SetBody(body).
				Post(*baseURL + "/iclock/cdata?SN=" + *serial + "&table=ATTLOG")
		case "hikvision":
			resp, err = client.R().
				SetBody(map[string]any{
					"serialNo":   *serial,
					"employeeNo": *userID,
					"time":       now.Format(time.RFC3339),
				}).
				Post(*baseURL + "/hikvision/event")
		default:
			fmt.Fprintf(os.Stderr, "unknown protocol %q\n", *protocol)
			os.Exit(2)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "punch %d failed: %v\n", i+1, err)
			os.Exit(1)
		}
		fmt.Printf("punch %d: %d %s\n", i+1, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}
