package storage

import "time"

type ChangeStatus string

const (
	StatusNew       ChangeStatus = "new"
	StatusMerged    ChangeStatus = "merged"
	StatusAbandoned ChangeStatus = "abandoned"
)

func (s ChangeStatus) Open() bool {
	return s == StatusNew
}

type Change struct {
	Number          int          `json:"number"`
	Key             string       `json:"change_id"`
	Branch          string       `json:"branch"`
	Owner           string       `json:"owner"`
	Subject         string       `json:"subject"`
	Status          ChangeStatus `json:"status"`
	Topic           string       `json:"topic,omitempty"`
	Private         bool         `json:"private"`
	WorkInProgress  bool         `json:"work_in_progress"`
	CurrentPatchSet int          `json:"current_patch_set"`
	SubmissionID    string       `json:"submission_id,omitempty"`
	MetaVersion     int          `json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type PatchSet struct {
	Change      int       `json:"change"`
	Number      int       `json:"number"`
	CommitSHA   string    `json:"commit_sha"`
	Uploader    string    `json:"uploader"`
	Groups      []string  `json:"groups"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReviewerState string

const (
	Reviewer ReviewerState = "REVIEWER"
	CC       ReviewerState = "CC"
)

type ChangeReviewer struct {
	Account string        `json:"account"`
	State   ReviewerState `json:"state"`
}

type Message struct {
	Change    int       `json:"change"`
	PatchSet  int       `json:"patch_set"`
	Author    string    `json:"author"`
	Tag       string    `json:"tag,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Approval struct {
	Change   int    `json:"change"`
	PatchSet int    `json:"patch_set"`
	Account  string `json:"account"`
	Label    string `json:"label"`
	Value    int    `json:"value"`
}

type Event struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	DataJSON  string    `json:"data_json"`
	CreatedAt time.Time `json:"created_at"`
}
