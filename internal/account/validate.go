package account

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
)

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{0,15}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// The create and update pipelines are normalize -> validate -> hash (create
// and credential changes only) -> persist. Each stage below is pure.

func normalizeAttrs(a entity.CreateAttrs) entity.CreateAttrs {
	a.FirstName = strings.TrimSpace(a.FirstName)
	a.LastName = strings.TrimSpace(a.LastName)
	a.Email = normalizeEmail(a.Email)
	a.RoleID = strings.TrimSpace(a.RoleID)
	a.Department = nilIfBlank(trimPtr(a.Department))
	a.Position = nilIfBlank(trimPtr(a.Position))
	a.PhoneNumber = nilIfBlank(trimPtr(a.PhoneNumber))
	a.EmployeeID = nilIfBlank(trimPtr(a.EmployeeID))
	a.Permissions = normalizePermissions(a.Permissions)
	return a
}

func normalizePatch(p entity.Patch) entity.Patch {
	p.FirstName = trimPtr(p.FirstName)
	p.LastName = trimPtr(p.LastName)
	p.Department = trimPtr(p.Department)
	p.Position = trimPtr(p.Position)
	p.PhoneNumber = trimPtr(p.PhoneNumber)
	p.EmployeeID = trimPtr(p.EmployeeID)
	p.RoleID = trimPtr(p.RoleID)
	if p.Permissions != nil {
		perms := normalizePermissions(*p.Permissions)
		p.Permissions = &perms
	}
	return p
}

func validateAttrs(a entity.CreateAttrs) error {
	return fieldErrors(validate.Struct(a))
}

func validatePatch(p entity.Patch) error {
	fields := make(map[string]string)
	for _, f := range p.ProtectedFields() {
		fields[f] = "cannot be changed through update"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	checkVar(fields, "firstName", p.FirstName, "required,max=50")
	checkVar(fields, "lastName", p.LastName, "required,max=50")
	checkVar(fields, "roleId", p.RoleID, "required")
	checkVar(fields, "department", p.Department, "omitempty,max=100")
	checkVar(fields, "position", p.Position, "omitempty,max=100")
	checkVar(fields, "phoneNumber", p.PhoneNumber, "omitempty,phone")
	checkVar(fields, "employeeId", p.EmployeeID, "omitempty,max=64")
	if p.Permissions != nil {
		for i, perm := range *p.Permissions {
			perm := perm
			checkVar(fields, fmt.Sprintf("permissions[%d]", i), &perm, "required,max=64")
		}
	}
	if p.Status != nil {
		switch {
		case !p.Status.Valid():
			fields["status"] = "must be one of active, inactive, suspended"
		case *p.Status == entity.StatusDeleted:
			fields["status"] = "use delete to remove an account"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// checkVar validates a single optional patch value against tag.
func checkVar(fields map[string]string, name string, v *string, tag string) {
	if v == nil {
		return
	}
	err := validate.Var(*v, tag)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields[name] = describe(verrs[0])
		return
	}
	fields[name] = "is invalid"
}

func validateNewSecret(current, next string) error {
	if len(next) < minSecretLength {
		return invalid("newPassword", "must be at least 8 characters long")
	}
	if len(next) > 72 {
		// bcrypt ignores input past 72 bytes
		return invalid("newPassword", "must be at most 72 bytes long")
	}
	if next == current {
		return invalid("newPassword", "must differ from the current password")
	}
	return nil
}

// fieldErrors converts validator output into a ValidationError keyed by
// JSON field name.
func fieldErrors(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"_": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldName(fe)] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "phone":
		return "must be a valid phone number"
	case "max":
		return "cannot exceed " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

func nilIfBlank(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func normalizePermissions(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
