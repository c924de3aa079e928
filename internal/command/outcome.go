package command

import "fmt"

// ErrorCode classifies a failed or degraded command.
type ErrorCode string

const (
	ErrorCodeValidation           ErrorCode = "validation"
	ErrorCodeFileNotFound         ErrorCode = "file_not_found"
	ErrorCodePlayError            ErrorCode = "play_error"
	ErrorCodeSubsystemUnavailable ErrorCode = "subsystem_unavailable"
	ErrorCodeVolumeResolution     ErrorCode = "volume_resolution_error"
	ErrorCodeTimeout              ErrorCode = "command_timeout"
	ErrorCodeExecution            ErrorCode = "execution_error"
)

// Status is the overall result of one command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Outcome is the single structured record every command produces. A failed
// outcome never crashes the zone; the zone stays responsive afterwards.
type Outcome struct {
	Command  Name      `json:"command"`
	Zone     string    `json:"zone"`
	ID       string    `json:"id,omitempty"`
	Status   Status    `json:"status"`
	Code     ErrorCode `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Success builds a success outcome for cmd.
func Success(cmd Command) Outcome {
	return Outcome{Command: cmd.Name, Zone: cmd.Zone, ID: cmd.ID, Status: StatusSuccess}
}

// Warningf builds a warning outcome with a formatted human-readable message.
func Warningf(cmd Command, code ErrorCode, format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	return Outcome{
		Command:  cmd.Name,
		Zone:     cmd.Zone,
		ID:       cmd.ID,
		Status:   StatusWarning,
		Code:     code,
		Message:  msg,
		Warnings: []string{msg},
	}
}

// Failedf builds a failed outcome with a formatted human-readable message.
func Failedf(cmd Command, code ErrorCode, format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	return Outcome{
		Command:  cmd.Name,
		Zone:     cmd.Zone,
		ID:       cmd.ID,
		Status:   StatusFailed,
		Code:     code,
		Message:  msg,
		Warnings: []string{msg},
	}
}

// WithWarnings attaches additional warning messages, downgrading a success
// outcome to warning status.
func (o Outcome) WithWarnings(warnings ...string) Outcome {
	if len(warnings) == 0 {
		return o
	}
	o.Warnings = append(o.Warnings, warnings...)
	if o.Status == StatusSuccess {
		o.Status = StatusWarning
	}
	return o
}
