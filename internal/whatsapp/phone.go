package whatsapp

// IsValidPhoneNumber reports whether id has between 10 and 15 digits once
// separators are ignored. WhatsApp sender ids are international numbers
// without the leading plus.
func IsValidPhoneNumber(id string) bool {
	digits := 0
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ', r == '-', r == '(', r == ')', r == '+':
		default:
			return false
		}
	}
	return digits >= 10 && digits <= 15
}
