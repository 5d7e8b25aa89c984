package sender

import (
	"bytes"
	"strconv"

	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// EncodeCSV renders records as timestamp,metric,source,metadata lines, each
// terminated by CRLF. There is no header row and fields are written as-is.
func EncodeCSV(records []models.StoredRecord) []byte {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(len(records) * 32)
	for _, r := range records {
		buf.WriteString(strconv.FormatInt(r.Timestamp, 10))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(r.Metric, 10))
		buf.WriteByte(',')
		buf.WriteString(r.Source)
		buf.WriteByte(',')
		buf.WriteString(r.Metadata)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
