package session

// Mode selects what submitting the credential form does.
type Mode int

const (
	ModeLogin Mode = iota
	ModeRegister
)

func (m Mode) String() string {
	if m == ModeRegister {
		return "register"
	}
	return "login"
}

// Form is the credential form. Session clears fields in place after a
// successful submit.
type Form struct {
	Mode     Mode
	Username string
	Password string
}

// Toggle switches between login and register, keeping the typed values.
func (f *Form) Toggle() {
	if f.Mode == ModeLogin {
		f.Mode = ModeRegister
	} else {
		f.Mode = ModeLogin
	}
}
