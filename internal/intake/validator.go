package intake

import "strings"

// Form carries the visitor contact fields collected before a website-origin
// session is requested.
type Form struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// Validate returns a field name to error message mapping. An empty map
// signals a valid form. Pure function, no side effects.
func Validate(form Form) map[string]string {
	errs := make(map[string]string)

	if strings.TrimSpace(form.Name) == "" {
		errs["name"] = "name is required"
	}

	if !isValidEmail(normalizeEmail(form.Email)) {
		errs["email"] = "a valid email is required"
	}

	if len(NormalizePhone(form.Phone)) < 10 {
		errs["phone"] = "phone must have at least 10 digits"
	}

	if strings.TrimSpace(form.Message) == "" {
		errs["message"] = "message is required"
	}

	return errs
}

// NormalizePhone strips everything but digits so "(555) 123-4567" and
// "5551234567" compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if local == "" || domain == "" {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	return true
}
