package netrange

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var addressColumns = map[string]bool{
	"ip":         true,
	"ipaddress":  true,
	"ip_address": true,
	"subnet":     true,
	"address":    true,
	"network":    true,
}

// FromCSV 读取带表头的 CSV：优先使用名为 ip/subnet/address 等的列，否则取第一列，
// 每个单元格再交给 Expand 解析
func FromCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := 0
	for i, name := range header {
		if addressColumns[strings.ToLower(strings.TrimSpace(name))] {
			col = i
			break
		}
	}

	var lines []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if col < len(rec) {
			lines = append(lines, rec[col])
		}
	}
	return Expand(strings.Join(lines, "\n")), nil
}
