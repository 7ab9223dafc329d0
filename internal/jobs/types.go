package jobs

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ID accepts both JSON strings and numbers; catalog ids arrive either way.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) Int() (int, bool) {
	n, err := strconv.Atoi(string(id))
	return n, err == nil
}

// Params describes one generation request.
type Params struct {
	SceneID     ID     `json:"scene_id"`
	FileID      ID     `json:"file_id"`
	AnnounceURL string `json:"announce_url"`
	Tracker     string `json:"tracker"`
	Screens     bool   `json:"screens"`
	Gallery     bool   `json:"gallery"`
	Template    string `json:"template,omitempty"`
}

type Job struct {
	ID        int       `json:"id"`
	Params    Params    `json:"params"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Result    *Event    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
