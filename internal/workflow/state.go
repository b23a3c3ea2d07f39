package workflow

import "mediagen/internal/models"

// Status enumerates the per-page workflow states.
type Status string

const (
	StatusNoFile        Status = "NO_FILE"
	StatusFileStaged    Status = "FILE_STAGED"
	StatusFileSelected  Status = "FILE_SELECTED"
	StatusFileUploading Status = "FILE_UPLOADING"
	StatusFileUploaded  Status = "FILE_UPLOADED"
	StatusFileLoading   Status = "FILE_LOADING"
	StatusFileLoaded    Status = "FILE_LOADED"
	StatusJobEnqueueing Status = "JOB_ENQUEUEING"
	StatusJobEnqueued   Status = "JOB_ENQUEUED"
)

// Statuses lists every workflow status.
var Statuses = []Status{
	StatusNoFile, StatusFileStaged, StatusFileSelected, StatusFileUploading, StatusFileUploaded,
	StatusFileLoading, StatusFileLoaded, StatusJobEnqueueing, StatusJobEnqueued,
}

// State is the workflow value. MediaFile is shared read-only once loaded.
type State struct {
	Status            Status
	MediaFileToken    string
	MediaFile         *models.MediaFile
	InferenceJobToken string
}

// Initial returns the state a page starts in.
func Initial() State {
	return State{Status: StatusNoFile}
}

// Action is dispatched into the reducer.
type Action interface {
	ActionName() string
}

type (
	Reset       struct{}
	StagedFile  struct{}
	ClearedFile struct{}
	// SelectedFile requires a non-empty token; empty selections go through ClearedFile.
	SelectedFile struct {
		MediaFileToken string
	}
	UploadFile        struct{}
	UploadFileSuccess struct {
		MediaFileToken string
	}
	LoadFile        struct{}
	LoadFileSuccess struct {
		MediaFileToken string
		MediaFile      *models.MediaFile
	}
	// EnqueueJob needs a media file token unless Fileless is set.
	EnqueueJob struct {
		Fileless bool
	}
	EnqueueJobSuccess struct {
		InferenceJobToken string
	}
)

func (Reset) ActionName() string             { return "reset" }
func (StagedFile) ActionName() string        { return "stagedFile" }
func (ClearedFile) ActionName() string       { return "clearedFile" }
func (SelectedFile) ActionName() string      { return "selectedFile" }
func (UploadFile) ActionName() string        { return "uploadFile" }
func (UploadFileSuccess) ActionName() string { return "uploadFileSuccess" }
func (LoadFile) ActionName() string          { return "loadFile" }
func (LoadFileSuccess) ActionName() string   { return "loadFileSuccess" }
func (EnqueueJob) ActionName() string        { return "enqueueJob" }
func (EnqueueJobSuccess) ActionName() string { return "enqueueJobSuccess" }
