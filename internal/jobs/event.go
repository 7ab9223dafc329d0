package jobs

const (
	EventSuccess = "success"
	EventError   = "error"
	EventWarning = "warning"
)

// Event is one line of a job's progress stream. Progress and the final
// result use status "success" with Data set; failures carry Message.
type Event struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	Data    *EventData `json:"data,omitempty"`
}

type EventData struct {
	Message     string            `json:"message"`
	Fill        *Fill             `json:"fill,omitempty"`
	File        *TorrentFile      `json:"file,omitempty"`
	Suggestions map[string]string `json:"suggestions,omitempty"`
}

// Fill is what the upload form gets populated with.
type Fill struct {
	Title       string `json:"title"`
	Cover       string `json:"cover"`
	Tags        string `json:"tags"`
	Description string `json:"description"`
	TorrentPath string `json:"torrent_path"`
	FilePath    string `json:"file_path"`
	Anon        bool   `json:"anon"`
}

// TorrentFile carries the metainfo bytes base64 encoded.
type TorrentFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func Info(msg string) Event {
	return Event{Status: EventSuccess, Data: &EventData{Message: msg}}
}

func Failure(msg string) Event {
	return Event{Status: EventError, Message: msg}
}

func Warning(msg string) Event {
	return Event{Status: EventWarning, Message: msg}
}

// Terminal reports whether the event ends a job's stream.
func (e Event) Terminal() bool {
	return e.Status == EventError || (e.Data != nil && e.Data.Fill != nil)
}
