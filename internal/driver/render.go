package driver

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Phase is what the host should show.
type Phase int

const (
	// PhaseLoadingQueue waits for the queue's first settled value.
	PhaseLoadingQueue Phase = iota
	// PhaseSpinner knows the screen but its resources are still loading.
	PhaseSpinner
	// PhaseError shows Description until the queue value changes.
	PhaseError
	// PhaseSuccess shows Component.
	PhaseSuccess
	// PhasePreparingPop still shows Component while the pop is in flight.
	PhasePreparingPop
	// PhaseFinishingPop is a spinner; the outgoing component asked to leave
	// before the next screen is known.
	PhaseFinishingPop
	// PhasePreparedPop shows Component until it calls FinishPop.
	PhasePreparedPop
)

func (p Phase) String() string {
	switch p {
	case PhaseLoadingQueue:
		return "loading-queue"
	case PhaseSpinner:
		return "spinner"
	case PhaseError:
		return "error"
	case PhaseSuccess:
		return "success"
	case PhasePreparingPop:
		return "preparing-pop"
	case PhaseFinishingPop:
		return "finishing-pop"
	case PhasePreparedPop:
		return "prepared-pop"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ShowsComponent reports phases in which Component must be rendered.
func (p Phase) ShowsComponent() bool {
	return p == PhaseSuccess || p == PhasePreparingPop || p == PhasePreparedPop
}

// RenderState is the driver's output.
type RenderState struct {
	Phase Phase

	// Error phase.
	Description string
	Err         error
	RetryAt     time.Time

	// Component phases. Key changes whenever Component is a new instance;
	// hosts keep their updated copy of Component while Key is unchanged.
	Component tea.Model
	Key       string
	Slug      string
}

func sameRender(a, b RenderState) bool {
	return a.Phase == b.Phase &&
		a.Key == b.Key &&
		a.Description == b.Description &&
		a.RetryAt.Equal(b.RetryAt)
}
