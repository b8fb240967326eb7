package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pktvault/pktvault/pkg/model"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func formatUnix(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return model.FloatToTime(ts).Local().Format("2006-01-02 15:04:05.000")
}

func endpoint(ip string, port int) string {
	if port == 0 {
		return ip
	}
	return ip + ":" + strconv.Itoa(port)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
