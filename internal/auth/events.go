package auth

import "time"

// EventKind enumerates the auth state changes the application reacts to.
type EventKind int

const (
	InitialSession EventKind = iota + 1
	SignedIn
	SignedOut
	TokenRefreshed
	UserUpdated
	PasswordRecovery
)

func (k EventKind) String() string {
	switch k {
	case InitialSession:
		return "InitialSession"
	case SignedIn:
		return "SignedIn"
	case SignedOut:
		return "SignedOut"
	case TokenRefreshed:
		return "TokenRefreshed"
	case UserUpdated:
		return "UserUpdated"
	case PasswordRecovery:
		return "PasswordRecovery"
	}
	return "Unknown"
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// FirstName is the first word of the full name.
func (u User) FirstName() string {
	for i, r := range u.FullName {
		if r == ' ' {
			return u.FullName[:i]
		}
	}
	return u.FullName
}

type Event struct {
	Kind   EventKind
	UserID string
	User   *User  // set for InitialSession, SignedIn and UserUpdated
	Token  string // set for SignedIn and TokenRefreshed
	At     time.Time
}

type Status string

const (
	StatusUnknown       Status = ""
	StatusSignedIn      Status = "signed_in"
	StatusSignedOut     Status = "signed_out"
	StatusRecoveringPwd Status = "password_recovery"
)

// State is the derived per-user auth view.
type State struct {
	Status    Status `json:"status"`
	User      *User  `json:"user,omitempty"`
	Token     string `json:"-"`
	UpdatedAt int64  `json:"updated_at"`
}

// Reduce applies one event. Every kind is handled explicitly.
func Reduce(s State, e Event) State {
	switch e.Kind {
	case InitialSession:
		if e.User == nil {
			s = State{Status: StatusSignedOut}
		} else {
			s.Status, s.User = StatusSignedIn, e.User
		}
	case SignedIn:
		s = State{Status: StatusSignedIn, User: e.User, Token: e.Token}
	case SignedOut:
		s = State{Status: StatusSignedOut}
	case TokenRefreshed:
		if s.Status == StatusSignedIn || s.Status == StatusUnknown {
			s.Status = StatusSignedIn
			s.Token = e.Token
		}
	case UserUpdated:
		if e.User != nil {
			s.User = e.User
		}
	case PasswordRecovery:
		s.Status = StatusRecoveringPwd
	default:
		return s
	}
	s.UpdatedAt = e.At.Unix()
	return s
}
