package logger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TextFormatter はlogrusのエントリを1行のテキストに変換する.
// 形式: [2006/01/02 15:04:05.000] LEVEL message fields={...} error=...
type TextFormatter struct{}

var _ logrus.Formatter = (*TextFormatter)(nil)

// Format はログエントリを文字列に変換.
func (f *TextFormatter) Format(e *logrus.Entry) ([]byte, error) {
	timestamp := e.Time.Format("2006/01/02 15:04:05.000")

	// 基本的なログフォーマット
	logMsg := fmt.Sprintf("[%s] %s %s", timestamp, strings.ToUpper(levelName(e.Level)), e.Message)

	fields := make(map[string]interface{}, len(e.Data))
	var errText string
	for k, v := range e.Data {
		if k == logrus.ErrorKey {
			if err, ok := v.(error); ok {
				errText = err.Error()
			} else {
				errText = fmt.Sprint(v)
			}
			continue
		}
		fields[k] = v
	}

	// フィールドの追加（存在する場合）
	if len(fields) > 0 {
		if data, err := json.Marshal(fields); err == nil {
			logMsg += fmt.Sprintf(" fields=%s", string(data))
		} else {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			logMsg += fmt.Sprintf(" fields=%v", keys)
		}
	}

	// エラーの追加（存在する場合）
	if errText != "" {
		logMsg += fmt.Sprintf(" error=%s", errText)
	}

	return []byte(logMsg + "\n"), nil
}

func levelName(l logrus.Level) string {
	if l == logrus.WarnLevel {
		return "warn"
	}
	return l.String()
}
