package retention

import (
	"time"

	"github.com/bc-dunia/threadmon/internal/logwriter"
)

// LogWriterAdapter exposes a logwriter.Writer as a LogStore.
type LogWriterAdapter struct {
	writer *logwriter.Writer
}

func NewLogWriterAdapter(writer *logwriter.Writer) *LogWriterAdapter {
	return &LogWriterAdapter{writer: writer}
}

func (a *LogWriterAdapter) ListDaysForRetention() ([]DayRetentionInfo, error) {
	sets, err := a.writer.ListDays()
	if err != nil {
		return nil, err
	}
	result := make([]DayRetentionInfo, len(sets))
	for i, s := range sets {
		result[i] = DayRetentionInfo{
			Day:   s.Day,
			Files: len(s.Files),
		}
	}
	return result, nil
}

func (a *LogWriterAdapter) DeleteDay(day time.Time) (int, error) {
	return a.writer.DeleteDay(day)
}
