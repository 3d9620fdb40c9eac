package app

import (
	"errors"

	"github.com/dkeye/Interview/internal/domain"
)

type RemediationAction string

const (
	Retry             RemediationAction = "retry"
	CheckPermissions  RemediationAction = "check_permissions"
	ReturnToDashboard RemediationAction = "return_to_dashboard"
)

// Policy decides what a user is told after a terminal session error.
type Policy interface {
	Remediate(err error) domain.Remediation
}

type SimplePolicy struct{}

func (SimplePolicy) Remediate(err error) domain.Remediation {
	switch {
	case errors.Is(err, domain.ErrMediaAcquisition):
		return domain.Remediation{
			Action:  string(CheckPermissions),
			Message: "Camera or microphone is unavailable. Check device permissions and rejoin.",
		}
	case errors.Is(err, domain.ErrConnectionFailed):
		return domain.Remediation{
			Action:  string(Retry),
			Message: "Could not connect to the other participant, even through the backup media server. Try joining again.",
		}
	case errors.Is(err, domain.ErrChannelDisconnected):
		return domain.Remediation{
			Action:  string(Retry),
			Message: "Lost connection to the interview server. Check your network and rejoin.",
		}
	default:
		return domain.Remediation{
			Action:  string(ReturnToDashboard),
			Message: "The interview session ended unexpectedly. Return to the dashboard.",
		}
	}
}
