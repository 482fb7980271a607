package task

import (
	"fmt"
	"strings"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/go-playground/validator/v10"
)

// CreateRequest is the input to create_task (spec §4.1, §4.5).
type CreateRequest struct {
	Description   string         `validate:"required,min=20"`
	Priority      Priority       `validate:"required"`
	ClientWorkDir string         `validate:"omitempty"`
	Phases        []PhaseRequest `validate:"required,min=1,dive"`
}

// PhaseRequest is one phase definition supplied to create_task.
type PhaseRequest struct {
	Name                 string   `validate:"required,max=80"`
	Description          string   `validate:"omitempty"`
	ExpectedDeliverables []string `validate:"omitempty"`
	SuccessCriteria      []string `validate:"omitempty"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate runs the mechanical validator.v10 checks (length/required/dive)
// plus the structural checks the tags can't express — non-empty priority
// enum membership and "every deliverable/criterion string is non-empty" —
// mirroring tarsy/pkg/config/validator.go's mix of tag-driven and
// hand-written validation. Returns a ValidationError with one warning per
// violated field.
func Validate(req CreateRequest) error {
	var warnings []string

	if err := structValidator.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				warnings = append(warnings, fieldWarning(fe))
			}
		} else {
			warnings = append(warnings, err.Error())
		}
	}

	if !ValidPriority(req.Priority) {
		warnings = append(warnings, fmt.Sprintf("priority: must be one of P0..P4, got %q", req.Priority))
	}

	for i, p := range req.Phases {
		for j, d := range p.ExpectedDeliverables {
			if strings.TrimSpace(d) == "" {
				warnings = append(warnings, fmt.Sprintf("phases[%d].expected_deliverables[%d]: must not be empty", i, j))
			}
		}
		for j, c := range p.SuccessCriteria {
			if strings.TrimSpace(c) == "" {
				warnings = append(warnings, fmt.Sprintf("phases[%d].success_criteria[%d]: must not be empty", i, j))
			}
		}
	}

	if len(warnings) == 0 {
		return nil
	}
	return errs.Wrap(errs.KindValidation, strings.Join(warnings, "; "), nil)
}

func fieldWarning(fe validator.FieldError) string {
	return fmt.Sprintf("%s: failed %q constraint (value=%v)", fe.Namespace(), fe.Tag(), fe.Value())
}
