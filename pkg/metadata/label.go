package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trialflow/trialflow/pkg/errors"
)

// labelSep separates the entry name from the trial/call suffix.
const labelSep = "__"

// Label identifies one metadata entry produced by one kernel call.
type Label struct {
	Name  string
	Trial int
	Call  int
}

func (l Label) String() string {
	return EncodeLabel(l.Name, l.Trial, l.Call)
}

// EncodeLabel builds the composite key name__trial_call.
func EncodeLabel(name string, trial, call int) string {
	return fmt.Sprintf("%s%s%d_%d", name, labelSep, trial, call)
}

// DecodeLabel splits a composite key. Names may themselves contain the
// separator; only the last occurrence is significant.
func DecodeLabel(s string) (Label, error) {
	i := strings.LastIndex(s, labelSep)
	if i <= 0 {
		return Label{}, invalidLabel(s, "missing separator or name")
	}
	name, suffix := s[:i], s[i+len(labelSep):]

	trialStr, callStr, ok := strings.Cut(suffix, "_")
	if !ok {
		return Label{}, invalidLabel(s, "missing call index")
	}
	trial, err := strconv.Atoi(trialStr)
	if err != nil || trial < 0 {
		return Label{}, invalidLabel(s, "bad trial index")
	}
	call, err := strconv.Atoi(callStr)
	if err != nil || call < 0 {
		return Label{}, invalidLabel(s, "bad call index")
	}
	return Label{Name: name, Trial: trial, Call: call}, nil
}

func invalidLabel(s, reason string) error {
	return errors.New(errors.CodeLabelInvalid, "invalid metadata label").
		WithContext("label", s).
		WithContext("reason", reason)
}
