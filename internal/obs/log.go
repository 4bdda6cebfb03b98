package obs

import (
	"encoding/json"
	"io"
	"os"
	"sync"
)

var logMu sync.Mutex

var logOut io.Writer = os.Stdout

// Logger returns the shared JSON-line sink. Audit mirroring, request logging
// and the anomaly engine all write through it.
func Logger() LineLogger { return LineLogger{} }

// LineLogger writes one line per call under a process-wide lock.
type LineLogger struct{}

func (LineLogger) Println(line string) {
	logMu.Lock()
	defer logMu.Unlock()
	_, _ = io.WriteString(logOut, line+"\n")
}

// LogRequest emits one structured JSON line.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
