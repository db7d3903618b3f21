package dialer

import (
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
)

// statusFromGateway maps a terminal gateway status onto the session state
// machine. Anything unrecognized lands on failed rather than leaking a raw
// provider string into the terminal set.
func statusFromGateway(status string) store.SessionStatus {
	switch status {
	case telephony.StatusCompleted:
		return store.SessionCompleted
	case telephony.StatusBusy:
		return store.SessionBusy
	case telephony.StatusNoAnswer:
		return store.SessionNoAnswer
	case telephony.StatusCanceled:
		return store.SessionCanceled
	default:
		return store.SessionFailed
	}
}

// outboundFromGateway maps the same status onto the campaign-view status.
// An empty return keeps whatever is stored; completed calls keep "connected"
// (or "voicemail" when the detector wrote it) rather than overwriting it.
func outboundFromGateway(status string) store.OutboundStatus {
	switch status {
	case telephony.StatusBusy:
		return store.OutboundBusy
	case telephony.StatusNoAnswer:
		return store.OutboundNoAnswer
	default:
		return ""
	}
}
