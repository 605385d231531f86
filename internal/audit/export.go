package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"id", "timestamp", "user_id", "company_id", "event_type", "risk_level", "description", "ip_address", "user_agent", "data"}

// WriteCSV encodes events as CSV with a header row.
func WriteCSV(events []SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ev := range events {
		data := ""
		if len(ev.Data) > 0 {
			raw, err := json.Marshal(ev.Data)
			if err != nil {
				return nil, err
			}
			data = string(raw)
		}
		record := []string{
			ev.ID,
			ev.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(ev.UserID, 10),
			strconv.FormatInt(ev.CompanyID, 10),
			string(ev.EventType),
			string(ev.RiskLevel),
			ev.Description,
			ev.IPAddress,
			ev.UserAgent,
			data,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
