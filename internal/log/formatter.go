package log

import (
	"fmt"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPattern = "%time [%level] %caller: %msg %field\n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

type formatter struct {
	pattern string
	time    string
}

// Format expands %time, %level, %field, %msg, %caller, %func and %goroutine.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	if output == "" {
		output = defaultPattern
	}
	layout := f.time
	if layout == "" {
		layout = defaultTime
	}
	output = strings.Replace(output, "%time", entry.Time.Format(layout), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return []byte(output), nil
}

// getCaller returns package/file:line of the log call.
func getCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	file := path.Base(entry.Caller.File)
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if dot := strings.Index(path.Base(fn), "."); dot > 0 {
			pkg = path.Base(fn)[:dot]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

// getFunc returns the bare function or method name of the log call.
func getFunc(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	name := entry.Caller.Function
	if dot := strings.LastIndex(name, "."); dot != -1 && dot+1 < len(name) {
		return name[dot+1:]
	}
	return name
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if id := strings.Fields(stack); len(id) > 0 {
		return id[0]
	}
	return "unknown"
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		var s string
		switch v := entry.Data[k].(type) {
		case string:
			s = v
		case time.Duration:
			s = v.String()
		case error:
			s = v.Error()
		default:
			s = fmt.Sprint(v)
		}
		fields = append(fields, k+"="+s)
	}
	return strings.Join(fields, ",")
}
