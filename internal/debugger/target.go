package debugger

import (
	"strconv"
	"strings"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/process"
)

// Target selects the process to attach to: exactly one of PID or Name.
// WaitFor only applies to Name and makes lldb wait for the next launch.
type Target struct {
	PID     int    `json:"pid,omitempty"`
	Name    string `json:"name,omitempty"`
	WaitFor bool   `json:"waitFor,omitempty"`
}

func (t Target) String() string {
	if t.PID > 0 {
		return "pid:" + strconv.Itoa(t.PID)
	}
	return "name:" + t.Name
}

func (t Target) validate() error {
	switch {
	case t.PID != 0 && t.Name != "":
		return apperr.New(apperr.InvalidInput, "target must set either pid or name, not both")
	case t.PID < 0:
		return apperr.New(apperr.InvalidInput, "invalid pid %d", t.PID)
	case t.PID > 0:
		if t.WaitFor {
			return apperr.New(apperr.InvalidInput, "waitFor requires a process name")
		}
		if !process.Alive(t.PID) {
			return apperr.New(apperr.InvalidInput, "no running process with pid %d", t.PID).WithDetail("pid", t.PID)
		}
		return nil
	case t.Name == "":
		return apperr.New(apperr.InvalidInput, "target pid or name is required")
	case strings.ContainsAny(t.Name, "\"\n\r"):
		return apperr.New(apperr.InvalidInput, "invalid process name %q", t.Name)
	}
	return nil
}

func (t Target) attachCommand() string {
	if t.PID > 0 {
		return "process attach --pid " + strconv.Itoa(t.PID)
	}
	c := `process attach --name "` + t.Name + `"`
	if t.WaitFor {
		c += " --waitfor"
	}
	return c
}
