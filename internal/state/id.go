package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

// newWorkflowID builds a collision-free workflow identifier. The task ID is
// embedded for readability; uniqueness comes from the timestamp and the
// random suffix.
func newWorkflowID(taskID string) core.WorkflowID {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, taskID)
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "task"
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return core.WorkflowID(fmt.Sprintf("wf-%s-%d-%s", safe, time.Now().UnixMilli(), suffix))
}
