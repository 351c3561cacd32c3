package docstatus

import (
	"strconv"
	"time"

	"chatwithit/pkg/domain"
)

// GraceWindow is how long a name stays pending after it drops out of the
// status feed. It outlasts one directory poll.
const GraceWindow = 5 * time.Second

// Pending maps a file name to the time it stopped appearing in the status
// feed. A zero time means the name is still present.
type Pending map[string]time.Time

// Active reports whether name is pending at now.
func (p Pending) Active(name string, now time.Time) bool {
	goneAt, ok := p[name]
	if !ok {
		return false
	}
	return goneAt.IsZero() || now.Sub(goneAt) < GraceWindow
}

// View is the display state of one document row.
type View struct {
	Document     domain.Document         `json:"document"`
	Status       domain.ProcessingStatus `json:"status"`
	StatusText   string                  `json:"statusText"`
	ShowProgress bool                    `json:"showProgress"`
	Progress     int                     `json:"progress"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
	CanDelete    bool                    `json:"canDelete"`
	// DeleteInFlight is set by the caller while its own delete request runs.
	DeleteInFlight bool `json:"deleteInFlight"`
}

// Merge joins the directory snapshot with the latest statuses and the pending
// deletions. Only documents present in docs produce rows.
func Merge(docs []domain.Document, statuses []domain.DocumentProcessingStatus, pending Pending, now time.Time) []View {
	byName := make(map[string]domain.DocumentProcessingStatus, len(statuses))
	for _, st := range statuses {
		if _, seen := byName[st.FileName]; !seen {
			byName[st.FileName] = st
		}
	}
	views := make([]View, 0, len(docs))
	for _, doc := range docs {
		st, hasStatus := byName[doc.Name]
		isPending := pending.Active(doc.Name, now)

		v := View{Document: doc}
		switch {
		case hasStatus:
			v.Status = st.Status
			v.Progress = st.Progress()
			v.ErrorMessage = st.ErrorMessage
		case isPending:
			v.Status = domain.ProcessingDeleting
		default:
			v.Status = fromDocument(doc.Status)
		}
		v.ShowProgress = v.Status != domain.ProcessingCompleted && v.Status != domain.ProcessingFailed
		v.StatusText = statusText(v.Status, v.Progress)
		v.CanDelete = v.Status != domain.ProcessingDeleting && !isPending
		views = append(views, v)
	}
	return views
}

func fromDocument(s domain.DocumentStatus) domain.ProcessingStatus {
	switch s {
	case domain.DocumentUploading:
		return domain.ProcessingUploading
	case domain.DocumentProcessing:
		return domain.ProcessingProcessing
	case domain.DocumentError:
		return domain.ProcessingFailed
	case domain.DocumentDeleting:
		return domain.ProcessingDeleting
	default:
		return domain.ProcessingCompleted
	}
}

func statusText(s domain.ProcessingStatus, progress int) string {
	suffix := ""
	if progress > 0 {
		suffix = " (" + strconv.Itoa(progress) + "%)"
	}
	switch s {
	case domain.ProcessingUploading:
		return "Uploading..." + suffix
	case domain.ProcessingProcessing:
		return "Processing..." + suffix
	case domain.ProcessingVectorizing:
		return "Vectorizing..." + suffix
	case domain.ProcessingCompleted:
		return "Document ready to be queried on chat."
	case domain.ProcessingFailed:
		return "Processing failed"
	case domain.ProcessingDeleting:
		return "Being deleted..."
	default:
		return "Uploading..."
	}
}
