package intent

// Binding is the subset of an intent that an agent token is bound to and
// that an action request must reproduce exactly.
type Binding struct {
	Action string   `json:"action"`
	Target *string  `json:"target"`
	Amount *float64 `json:"amount"`
	Unit   *string  `json:"unit"`
}

// Bind extracts the bound fields of in.
func (in Intent) Bind() Binding {
	c := in.Clone()
	return Binding{Action: c.Action, Target: c.Target, Amount: c.Amount, Unit: c.Unit}
}

// Matches reports whether other carries exactly the same values. Absent
// fields only match absent fields. Strings compare byte for byte and
// amounts compare as exact float64 values.
func (b Binding) Matches(other Binding) bool {
	return b.Action == other.Action &&
		equalString(b.Target, other.Target) &&
		equalFloat(b.Amount, other.Amount) &&
		equalString(b.Unit, other.Unit)
}

// Mismatches lists the names of the fields that differ.
func (b Binding) Mismatches(other Binding) []string {
	var out []string
	if b.Action != other.Action {
		out = append(out, "action")
	}
	if !equalString(b.Target, other.Target) {
		out = append(out, "target")
	}
	if !equalFloat(b.Amount, other.Amount) {
		out = append(out, "amount")
	}
	if !equalString(b.Unit, other.Unit) {
		out = append(out, "unit")
	}
	return out
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
